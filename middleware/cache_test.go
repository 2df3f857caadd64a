package middleware

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/schedcache/schedcache"
	"github.com/schedcache/schedcache/pkg/feed"
)

const (
	listMethod   = "/sched.TeamService/ListTeams"
	updateMethod = "/sched.TeamService/UpdateTeam"
)

type listTeamsRequest struct {
	Page int `json:"page"`
}

type listTeamsReply struct {
	Names []string `json:"names"`
}

type updateTeamRequest struct {
	ID string `json:"id"`
}

func newCacheManager(t *testing.T, opts ...schedcache.Option) *schedcache.Manager {
	t.Helper()
	m, err := schedcache.New(opts...)
	require.NoError(t, err)
	return m
}

// listInvoker populates the reply and counts invocations.
func listInvoker(calls *int, names ...string) grpc.UnaryInvoker {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		*calls++
		*(reply.(*listTeamsReply)) = listTeamsReply{Names: names}
		return nil
	}
}

func TestCacheInterceptor_ServesRepeatCallsFromCache(t *testing.T) {
	m := newCacheManager(t)
	interceptor := CacheInterceptor(m,
		WithKeyGenerator(NewRouteKeyGenerator().Route(listMethod, "teams")))

	calls := 0
	invoker := listInvoker(&calls, "Platform", "Mobile")

	var first listTeamsReply
	require.NoError(t, interceptor(context.Background(), listMethod, &listTeamsRequest{Page: 1}, &first, nil, invoker))
	assert.Equal(t, []string{"Platform", "Mobile"}, first.Names)
	assert.Equal(t, 1, calls)

	var second listTeamsReply
	require.NoError(t, interceptor(context.Background(), listMethod, &listTeamsRequest{Page: 1}, &second, nil, invoker))
	assert.Equal(t, first.Names, second.Names)
	assert.Equal(t, 1, calls, "repeat call should not reach the backend")
}

func TestCacheInterceptor_DistinctRequestsMissSeparately(t *testing.T) {
	m := newCacheManager(t)
	interceptor := CacheInterceptor(m)

	calls := 0
	invoker := listInvoker(&calls, "Platform")

	var reply listTeamsReply
	require.NoError(t, interceptor(context.Background(), listMethod, &listTeamsRequest{Page: 1}, &reply, nil, invoker))
	require.NoError(t, interceptor(context.Background(), listMethod, &listTeamsRequest{Page: 2}, &reply, nil, invoker))
	assert.Equal(t, 2, calls)
}

func TestCacheInterceptor_ErrorsAreNotCached(t *testing.T) {
	m := newCacheManager(t)
	interceptor := CacheInterceptor(m)

	backendDown := errors.New("backend unavailable")
	calls := 0
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		calls++
		return backendDown
	}

	var reply listTeamsReply
	err := interceptor(context.Background(), listMethod, &listTeamsRequest{}, &reply, nil, invoker)
	assert.ErrorIs(t, err, backendDown)

	err = interceptor(context.Background(), listMethod, &listTeamsRequest{}, &reply, nil, invoker)
	assert.ErrorIs(t, err, backendDown)
	assert.Equal(t, 2, calls, "a failed call must be retried, not replayed")
}

func TestCacheInterceptor_MethodLists(t *testing.T) {
	m := newCacheManager(t)

	calls := 0
	invoker := listInvoker(&calls, "Platform")
	var reply listTeamsReply

	only := CacheInterceptor(m, WithOnlyMethod("/sched.Other/Method"))
	require.NoError(t, only(context.Background(), listMethod, &listTeamsRequest{}, &reply, nil, invoker))
	require.NoError(t, only(context.Background(), listMethod, &listTeamsRequest{}, &reply, nil, invoker))
	assert.Equal(t, 2, calls, "method outside the allow list is never cached")

	calls = 0
	skip := CacheInterceptor(m, WithSkipMethod(listMethod))
	require.NoError(t, skip(context.Background(), listMethod, &listTeamsRequest{}, &reply, nil, invoker))
	require.NoError(t, skip(context.Background(), listMethod, &listTeamsRequest{}, &reply, nil, invoker))
	assert.Equal(t, 2, calls)
}

func TestCacheInterceptor_BypassSkipsCaching(t *testing.T) {
	m := newCacheManager(t)
	interceptor := CacheInterceptor(m, WithCacheBypass(func(ctx context.Context) bool {
		return true
	}))

	calls := 0
	invoker := listInvoker(&calls, "Platform")
	var reply listTeamsReply

	require.NoError(t, interceptor(context.Background(), listMethod, &listTeamsRequest{}, &reply, nil, invoker))
	require.NoError(t, interceptor(context.Background(), listMethod, &listTeamsRequest{}, &reply, nil, invoker))
	assert.Equal(t, 2, calls)
}

func TestCacheInterceptor_MutationInvalidatesCachedReads(t *testing.T) {
	mem := feed.NewMemFeed(nil)
	m := newCacheManager(t, schedcache.WithFeed(mem))
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	readThrough := CacheInterceptor(m,
		WithKeyGenerator(NewRouteKeyGenerator().Route(listMethod, "teams")))
	writeThrough := InvalidationInterceptor(mem,
		WithMutation(updateMethod, "teams", feed.OpUpdate))

	reads := 0
	readInvoker := listInvoker(&reads, "Platform")

	var reply listTeamsReply
	require.NoError(t, readThrough(context.Background(), listMethod, &listTeamsRequest{}, &reply, nil, readInvoker))
	require.NoError(t, readThrough(context.Background(), listMethod, &listTeamsRequest{}, &reply, nil, readInvoker))
	require.Equal(t, 1, reads)

	writes := 0
	writeInvoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		writes++
		return nil
	}
	require.NoError(t, writeThrough(context.Background(), updateMethod, &updateTeamRequest{ID: "3"}, &struct{}{}, nil, writeInvoker))
	require.Equal(t, 1, writes)

	// The mutation published a change event, which evicted the cached
	// list synchronously, so the next read reaches the backend.
	require.NoError(t, readThrough(context.Background(), listMethod, &listTeamsRequest{}, &reply, nil, readInvoker))
	assert.Equal(t, 2, reads)
}

func TestRouteKeyGenerator(t *testing.T) {
	gen := NewRouteKeyGenerator().Route(listMethod, "teams")

	k1, err := gen.GenerateKey(listMethod, &listTeamsRequest{Page: 1})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(k1, "teams_"))
	assert.Len(t, k1, len("teams_")+16)

	k2, err := gen.GenerateKey(listMethod, &listTeamsRequest{Page: 1})
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "same request must produce the same key")

	k3, err := gen.GenerateKey(listMethod, &listTeamsRequest{Page: 2})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	unrouted, err := gen.GenerateKey("/sched.UserService/GetUser", &listTeamsRequest{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(unrouted, "rpc_userservice_getuser_"))
}

func TestFuncKeyGenerator(t *testing.T) {
	gen := FuncKeyGenerator(func(method string, req any) (string, error) {
		return "fixed_key", nil
	})
	key, err := gen.GenerateKey(listMethod, nil)
	require.NoError(t, err)
	assert.Equal(t, "fixed_key", key)
}
