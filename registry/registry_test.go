package registry

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupByKeyResolvesDescriptor(t *testing.T) {
	st, ok := LookupByKey("ChannelFollow")
	require.True(t, ok)
	require.Equal(t, "channel.follow", st.Type)
	require.Equal(t, "2", st.Version)
	require.NotNil(t, st.Condition)
	require.NotNil(t, st.Event)

	_, ok = LookupByKey("ChannelTeleport")
	require.False(t, ok)
}

func TestLookupByTypeAndVersionMatchesKeyLookup(t *testing.T) {
	for _, key := range AllKeys() {
		byKey, ok := LookupByKey(key)
		require.True(t, ok)
		byWire, ok := LookupByTypeAndVersion(byKey.Type, byKey.Version)
		require.True(t, ok, "wire lookup for %s", key)
		require.Same(t, byKey, byWire)
	}

	_, ok := LookupByTypeAndVersion("channel.follow", "99")
	require.False(t, ok)
}

func TestAllKeysSortedAndComplete(t *testing.T) {
	keys := AllKeys()
	require.NotEmpty(t, keys)
	require.True(t, sort.SliceIsSorted(keys, func(i, j int) bool { return keys[i] < keys[j] }))
	require.Contains(t, keys, Key("ChannelFollow"))
	require.Contains(t, keys, Key("StreamOnline"))
}

func TestLookupEndpointDescriptors(t *testing.T) {
	create, ok := LookupEndpoint(EndpointCreateEventSubSubscription)
	require.True(t, ok)
	require.Equal(t, "POST", create.Method)
	require.Equal(t, "eventsub/subscriptions", create.Path)
	require.Equal(t, []int{202}, create.SuccessCodes)
	require.NotNil(t, create.Body)
	require.NotNil(t, create.Response)
	require.True(t, create.Auth.UserAccessToken)
	require.True(t, create.Auth.AppAccessToken)
	require.Nil(t, create.Auth.UserScopes)

	del, ok := LookupEndpoint(EndpointDeleteEventSubSubscription)
	require.True(t, ok)
	require.Equal(t, "DELETE", del.Method)
	require.Nil(t, del.Response)
	require.Equal(t, []int{204}, del.SuccessCodes)

	update, ok := LookupEndpoint(EndpointUpdateChannelInformation)
	require.True(t, ok)
	require.True(t, update.Auth.UserAccessToken)
	require.False(t, update.Auth.AppAccessToken)
	require.Equal(t, "channel:manage:broadcast", update.Auth.UserScopes.String())

	chat, ok := LookupEndpoint(EndpointSendChatMessage)
	require.True(t, ok)
	require.Equal(t, "any(user:write:chat, all(user:bot, channel:bot))", chat.Auth.UserScopes.String())

	_, ok = LookupEndpoint("launchRocket")
	require.False(t, ok)
}

func TestAllEndpointsSorted(t *testing.T) {
	names := AllEndpoints()
	require.True(t, sort.StringsAreSorted(names))
	require.Contains(t, names, EndpointGetUsers)
	require.Contains(t, names, EndpointGetStreams)
}
