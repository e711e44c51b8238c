package repo

import (
	"context"
	"fmt"
)

// Read-state mutations on scholar-publication links. Every mutation is
// scoped via the owning user's scholar_profile_id set so one user can
// never flip another user's read/favorite flags, even on a shared
// Publication row.

// MarkAllUnreadAsRead flips is_read on every unread link belonging to
// userID's scholars, returning how many rows changed.
func (r *PublicationRepo) MarkAllUnreadAsRead(ctx context.Context, userID int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE scholar_publications sp SET is_read = true
		FROM scholar_profiles s
		WHERE sp.scholar_profile_id = s.id AND s.user_id = $1 AND sp.is_read = false
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all unread as read: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkSelectedAsRead flips is_read on the links for the given
// publications, again scoped to userID's scholars. Publication ids the
// user has no link to are silently skipped.
func (r *PublicationRepo) MarkSelectedAsRead(ctx context.Context, userID int64, publicationIDs []int64) (int64, error) {
	if len(publicationIDs) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE scholar_publications sp SET is_read = true
		FROM scholar_profiles s
		WHERE sp.scholar_profile_id = s.id AND s.user_id = $1
		  AND sp.publication_id = ANY($2) AND sp.is_read = false
	`, userID, publicationIDs)
	if err != nil {
		return 0, fmt.Errorf("mark selected as read: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SetFavorite sets is_favorite on every link userID's scholars have to
// publicationID.
func (r *PublicationRepo) SetFavorite(ctx context.Context, userID, publicationID int64, favorite bool) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE scholar_publications sp SET is_favorite = $3
		FROM scholar_profiles s
		WHERE sp.scholar_profile_id = s.id AND s.user_id = $1 AND sp.publication_id = $2
	`, userID, publicationID, favorite)
	if err != nil {
		return fmt.Errorf("set favorite: %w", err)
	}
	return nil
}
