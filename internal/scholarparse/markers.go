package scholarparse

// DOM markers the parser depends on. A profile page without the profile
// container, a row without its title link, or an unparseable citation
// count surfaces as a LayoutInvariantError, which C4 returns as
// Result.Err — never a silent empty result. The other selectors are
// optional: when they match nothing, their fields stay empty.
const (
	profileContainerSelector = "#gsc_prf_in"
	profileImageSelector     = "#gsc_prf_pup-img"
	publicationRowSelector   = ".gsc_a_tr"
	titleLinkSelector        = ".gsc_a_at"
	authorVenueSelector      = ".gsc_a_desc .gs_gray"
	citationCountSelector    = ".gsc_a_c a"
	publicationYearSelector  = ".gsc_a_y span"
	showMoreButtonSelector   = "#gsc_bpf_more"
	articlesRangeSelector    = "#gsc_a_nn"
	pdfLinkSelector          = ".gsc_oci_value a[href$='.pdf']"
	authorSearchCardSelector = ".gsc_1usr"
	authorSearchNameSelector = ".gs_ai_name a"
	authorSearchAffilSel     = ".gs_ai_aff"
	authorSearchEmailSel     = ".gs_ai_eml"
	authorSearchCitedBySel   = ".gs_ai_cby"

	citationForViewParam = "citation_for_view"
	scholarUserParam     = "user"

	signInHost = "accounts.google.com"
)
