package syncer

import "github.com/breez/kv-sync/kv"

// Resolver picks the surviving side when both changed a key since their
// last common version.
type Resolver interface {
	Resolve(local kv.Record, remote kv.RemoteRecord) kv.Winner
}

type ResolverFunc func(local kv.Record, remote kv.RemoteRecord) kv.Winner

func (f ResolverFunc) Resolve(local kv.Record, remote kv.RemoteRecord) kv.Winner {
	return f(local, remote)
}

// TimestampResolver keeps the later write. On equal times a deletion beats
// an update, otherwise the remote wins.
type TimestampResolver struct{}

func (TimestampResolver) Resolve(local kv.Record, remote kv.RemoteRecord) kv.Winner {
	switch {
	case local.Deleted && remote.Deleted:
		return kv.WinnerRemote
	case local.Time > remote.Time:
		return kv.WinnerLocal
	case local.Time < remote.Time:
		return kv.WinnerRemote
	case local.Deleted:
		return kv.WinnerLocal
	}
	return kv.WinnerRemote
}

var RemoteWins = ResolverFunc(func(kv.Record, kv.RemoteRecord) kv.Winner {
	return kv.WinnerRemote
})

var LocalWins = ResolverFunc(func(kv.Record, kv.RemoteRecord) kv.Winner {
	return kv.WinnerLocal
})
