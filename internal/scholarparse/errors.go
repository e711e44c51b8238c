package scholarparse

// LayoutInvariantError signals that a required DOM marker is absent or a
// row-level value could not be parsed under the assumed markup shape.
// The paged fetcher (C4) returns it as Result.Err, which the run engine
// classifies under the layout_changed failure bucket.
type LayoutInvariantError struct {
	Marker  string
	Details string
}

func (e *LayoutInvariantError) Error() string {
	if e.Details == "" {
		return "layout invariant violated: " + e.Marker
	}
	return "layout invariant violated: " + e.Marker + ": " + e.Details
}
