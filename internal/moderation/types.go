package moderation

// FilterResult is the outcome of Filter.Check.
type FilterResult struct {
	Blocked bool   // a blocked term or spam pattern matched
	Reason  string // "blocked_keyword" or "spam_pattern"
	Term    string // the matched term or the spam check name
}

// FlagEvent is published to moderation.flag when a relayed chat message
// matches the filter. The message is still delivered (censored); the event
// only feeds the moderator's counters and logs.
type FlagEvent struct {
	ConnID   string `json:"conn_id"`
	Identity string `json:"identity"` // hashed client identifier
	Reason   string `json:"reason"`
	Term     string `json:"term"`
	Ts       int64  `json:"ts"`
}

// ReportEvent is published to moderation.report after a report has been
// recorded, so the moderator can escalate repeat offenders to a ban.
type ReportEvent struct {
	ReportID         string `json:"report_id"`
	ReporterID       string `json:"reporter_id"`
	ReportedID       string `json:"reported_id"`
	ReportedIdentity string `json:"reported_identity"`
	Reason           string `json:"reason"`
	Ts               int64  `json:"ts"`
}
