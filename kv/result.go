package kv

// Action is what a reconciliation pass did to a key.
type Action int

const (
	ActionNone Action = iota
	// ActionPulled: the remote state was written to the local cache.
	ActionPulled
	// ActionPushed: the local state was written to the remote.
	ActionPushed
	// ActionAcknowledged: both sides already agreed, the local record was
	// marked as synced without a write.
	ActionAcknowledged
)

func (a Action) String() string {
	switch a {
	case ActionPulled:
		return "pulled"
	case ActionPushed:
		return "pushed"
	case ActionAcknowledged:
		return "acknowledged"
	}
	return "none"
}

// Winner names the side whose state survived a conflict.
type Winner int

const (
	WinnerRemote Winner = iota
	WinnerLocal
)

func (w Winner) String() string {
	if w == WinnerLocal {
		return "local"
	}
	return "remote"
}

// Resolution reports how a version conflict was settled.
type Resolution struct {
	Local  Record
	Remote RemoteRecord
	Winner Winner
}

// Result is the outcome of reconciling one key, or of a listing.
// Exactly one of Record, Records or Err is meaningful.
type Result struct {
	Key     string
	Record  *Record
	Records []Record
	Err     error
	Action  Action
	// Conflict is set when the pass had to resolve a version conflict.
	Conflict *Resolution
}

func OK(rec *Record, action Action) Result {
	return Result{Key: rec.Key, Record: rec, Action: action}
}

func OKList(recs []Record) Result {
	return Result{Records: recs}
}

func Failed(key string, err error) Result {
	return Result{Key: key, Err: err}
}

// Failed reports whether the key is left unresolved.
func (r Result) Failed() bool {
	return r.Err != nil
}

// Kind is KindNone for successful results.
func (r Result) Kind() Kind {
	return KindOf(r.Err)
}
