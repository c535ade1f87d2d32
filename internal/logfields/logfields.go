package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyBuildRequestID = "buildrequest_id"
	KeyBuilder        = "builder"
	KeyBranchKey      = "branch_key"
	KeyBranch         = "branch"
	KeyRepo           = "repository"
	KeyProject        = "project"
	KeyCodebase       = "codebase"
	KeySubject        = "subject"
	KeyChangeID       = "change_id"
	KeyChangeSource   = "change_source"
	KeyReason         = "reason"
	KeyDurationMS     = "duration_ms"
	KeyError          = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func BuildRequestID(id int64) slog.Attr { return slog.Int64(KeyBuildRequestID, id) }
func Builder(name string) slog.Attr     { return slog.String(KeyBuilder, name) }
func BranchKey(key string) slog.Attr    { return slog.String(KeyBranchKey, key) }
func Branch(name string) slog.Attr      { return slog.String(KeyBranch, name) }
func Repository(r string) slog.Attr     { return slog.String(KeyRepo, r) }
func Project(p string) slog.Attr        { return slog.String(KeyProject, p) }
func Codebase(cb string) slog.Attr      { return slog.String(KeyCodebase, cb) }
func Subject(s string) slog.Attr        { return slog.String(KeySubject, s) }
func ChangeID(id string) slog.Attr      { return slog.String(KeyChangeID, id) }
func ChangeSource(n string) slog.Attr   { return slog.String(KeyChangeSource, n) }
func Reason(r string) slog.Attr         { return slog.String(KeyReason, r) }
func DurationMS(ms float64) slog.Attr   { return slog.Float64(KeyDurationMS, ms) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
