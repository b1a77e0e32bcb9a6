package owner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeOwner struct {
	ref Ref
}

func (f *fakeOwner) OwnerRef() Ref {
	return f.ref
}

func TestResolverRoundTrip(t *testing.T) {
	resolver, err := NewResolver(ResolverOptions{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	require.NoError(t, resolver.Register("workspace", func(ctx context.Context, id string) (Owner, error) {
		return &fakeOwner{ref: Ref{Type: "workspace", ID: id}}, nil
	}))

	resolved, err := resolver.Resolve(context.Background(), Ref{Type: "workspace", ID: "ws_1"})
	require.NoError(t, err)
	assert.Equal(t, Ref{Type: "workspace", ID: "ws_1"}, resolved.OwnerRef())
}

func TestResolverRejectsDuplicates(t *testing.T) {
	resolver, err := NewResolver(ResolverOptions{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	load := func(ctx context.Context, id string) (Owner, error) {
		return &fakeOwner{}, nil
	}
	require.NoError(t, resolver.Register("workspace", load))
	assert.Error(t, resolver.Register("workspace", load))
}

func TestResolverUnknownType(t *testing.T) {
	resolver, err := NewResolver(ResolverOptions{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	_, err = resolver.Resolve(context.Background(), Ref{Type: "ghost", ID: "g_1"})
	assert.Error(t, err)
}

func TestRefIsZero(t *testing.T) {
	assert.True(t, Ref{}.IsZero())
	assert.False(t, Ref{Type: "workspace", ID: "ws_1"}.IsZero())
}
