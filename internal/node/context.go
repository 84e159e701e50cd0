package node

import (
	"context"
	"fmt"
)

// ctxKey is a context key bound to the type of its value.
type ctxKey[T any] struct {
	name string
}

func (k ctxKey[T]) String() string {
	return fmt.Sprintf("node.Key[%T](%s)", *new(T), k.name)
}

func withValue[T any](ctx context.Context, key ctxKey[T], value T) context.Context {
	return context.WithValue(ctx, key, value)
}

func value[T any](ctx context.Context, key ctxKey[T]) (T, bool) {
	v, ok := ctx.Value(key).(T)
	return v, ok
}

var (
	nodeNameKey    = ctxKey[string]{name: "nodeName"}
	joinAttemptKey = ctxKey[int]{name: "joinAttempt"}
	syncMasterKey  = ctxKey[string]{name: "syncMaster"}
)

// NodeName returns the name of the node that issued the operation carried by ctx.
func NodeName(ctx context.Context) (string, bool) {
	return value(ctx, nodeNameKey)
}

// JoinAttempt returns the join attempt (starting at 1) during which ctx was created. Rewrite listeners use it to
// tell a rollback on first contact from one after a retried syncup.
func JoinAttempt(ctx context.Context) (int, bool) {
	return value(ctx, joinAttemptKey)
}

// SyncMaster returns the name of the master the node was syncing with.
func SyncMaster(ctx context.Context) (string, bool) {
	return value(ctx, syncMasterKey)
}
