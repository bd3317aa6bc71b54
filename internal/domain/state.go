package domain

import "context"

// StateStore is namespaced key/value persistence scoped to one agent instance.
type StateStore interface {
	Get(ctx context.Context, namespace, key string) (string, bool, error)
	Set(ctx context.Context, namespace, key, value string) error
	Delete(ctx context.Context, namespace, key string) error
	GetJSON(ctx context.Context, namespace, key string, v any) (bool, error)
	SetJSON(ctx context.Context, namespace, key string, v any) error
	Keys(ctx context.Context, namespace string) ([]string, error)
}
