package registry

// Endpoint operation names.
const (
	EndpointCreateEventSubSubscription = "createEventSubSubscription"
	EndpointDeleteEventSubSubscription = "deleteEventSubSubscription"
	EndpointGetEventSubSubscriptions   = "getEventSubSubscriptions"
	EndpointGetUsers                   = "getUsers"
	EndpointGetStreams                 = "getStreams"
	EndpointGetChannelInformation      = "getChannelInformation"
	EndpointUpdateChannelInformation   = "updateChannelInformation"
	EndpointSendChatMessage            = "sendChatMessage"
)

func req(k Kind) Field { return Field{Kind: k, Required: true} }
func opt(k Kind) Field { return Field{Kind: k, Required: false} }

func reqObj(s *Schema) Field { return Field{Kind: KindObject, Required: true, Schema: s} }
func optObj(s *Schema) Field { return Field{Kind: KindObject, Required: false, Schema: s} }

var subscriptionTypes = map[Key]*SubscriptionType{
	"ChannelFollow": {
		Key:     "ChannelFollow",
		Type:    "channel.follow",
		Version: "2",
		Condition: NewSchema(map[string]Field{
			"broadcaster_user_id": req(KindString),
			"moderator_user_id":   req(KindString),
		}),
		Event: NewSchema(map[string]Field{
			"user_id":                req(KindString),
			"user_login":             req(KindString),
			"user_name":              req(KindString),
			"broadcaster_user_id":    req(KindString),
			"broadcaster_user_login": req(KindString),
			"broadcaster_user_name":  req(KindString),
			"followed_at":            req(KindString),
		}).Open(),
	},
	"ChannelUpdate": {
		Key:     "ChannelUpdate",
		Type:    "channel.update",
		Version: "2",
		Condition: NewSchema(map[string]Field{
			"broadcaster_user_id": req(KindString),
		}),
		Event: NewSchema(map[string]Field{
			"broadcaster_user_id":           req(KindString),
			"broadcaster_user_login":        req(KindString),
			"broadcaster_user_name":         req(KindString),
			"title":                         req(KindString),
			"language":                      req(KindString),
			"category_id":                   req(KindString),
			"category_name":                 req(KindString),
			"content_classification_labels": opt(KindStringList),
		}).Open(),
	},
	"ChannelSubscribe": {
		Key:     "ChannelSubscribe",
		Type:    "channel.subscribe",
		Version: "1",
		Condition: NewSchema(map[string]Field{
			"broadcaster_user_id": req(KindString),
		}),
		Event: NewSchema(map[string]Field{
			"user_id":                req(KindString),
			"user_login":             req(KindString),
			"user_name":              req(KindString),
			"broadcaster_user_id":    req(KindString),
			"broadcaster_user_login": req(KindString),
			"broadcaster_user_name":  req(KindString),
			"tier":                   req(KindString),
			"is_gift":                req(KindBool),
		}).Open(),
	},
	"ChannelCheer": {
		Key:     "ChannelCheer",
		Type:    "channel.cheer",
		Version: "1",
		Condition: NewSchema(map[string]Field{
			"broadcaster_user_id": req(KindString),
		}),
		Event: NewSchema(map[string]Field{
			"is_anonymous":           req(KindBool),
			"user_id":                opt(KindString),
			"user_login":             opt(KindString),
			"user_name":              opt(KindString),
			"broadcaster_user_id":    req(KindString),
			"broadcaster_user_login": req(KindString),
			"broadcaster_user_name":  req(KindString),
			"message":                req(KindString),
			"bits":                   req(KindInt),
		}).Open(),
	},
	"ChannelRaid": {
		Key:     "ChannelRaid",
		Type:    "channel.raid",
		Version: "1",
		Condition: NewSchema(map[string]Field{
			"from_broadcaster_user_id": opt(KindString),
			"to_broadcaster_user_id":   opt(KindString),
		}),
		Event: NewSchema(map[string]Field{
			"from_broadcaster_user_id":    req(KindString),
			"from_broadcaster_user_login": req(KindString),
			"from_broadcaster_user_name":  req(KindString),
			"to_broadcaster_user_id":      req(KindString),
			"to_broadcaster_user_login":   req(KindString),
			"to_broadcaster_user_name":    req(KindString),
			"viewers":                     req(KindInt),
		}).Open(),
	},
	"ChannelBan": {
		Key:     "ChannelBan",
		Type:    "channel.ban",
		Version: "1",
		Condition: NewSchema(map[string]Field{
			"broadcaster_user_id": req(KindString),
		}),
		Event: NewSchema(map[string]Field{
			"user_id":                req(KindString),
			"user_login":             req(KindString),
			"user_name":              req(KindString),
			"broadcaster_user_id":    req(KindString),
			"broadcaster_user_login": req(KindString),
			"broadcaster_user_name":  req(KindString),
			"moderator_user_id":      req(KindString),
			"moderator_user_login":   req(KindString),
			"moderator_user_name":    req(KindString),
			"reason":                 req(KindString),
			"banned_at":              req(KindString),
			"ends_at":                opt(KindString),
			"is_permanent":           req(KindBool),
		}).Open(),
	},
	"ChannelChatMessage": {
		Key:     "ChannelChatMessage",
		Type:    "channel.chat.message",
		Version: "1",
		Condition: NewSchema(map[string]Field{
			"broadcaster_user_id": req(KindString),
			"user_id":             req(KindString),
		}),
		Event: NewSchema(map[string]Field{
			"broadcaster_user_id":    req(KindString),
			"broadcaster_user_login": req(KindString),
			"broadcaster_user_name":  req(KindString),
			"chatter_user_id":        req(KindString),
			"chatter_user_login":     req(KindString),
			"chatter_user_name":      req(KindString),
			"message_id":             req(KindString),
			"message": reqObj(NewSchema(map[string]Field{
				"text":      req(KindString),
				"fragments": opt(KindList),
			}).Open()),
			"message_type": req(KindString),
			"badges":       opt(KindList),
			"color":        opt(KindString),
		}).Open(),
	},
	"ChannelPointsRedemptionAdd": {
		Key:     "ChannelPointsRedemptionAdd",
		Type:    "channel.channel_points_custom_reward_redemption.add",
		Version: "1",
		Condition: NewSchema(map[string]Field{
			"broadcaster_user_id": req(KindString),
			"reward_id":           opt(KindString),
		}),
		Event: NewSchema(map[string]Field{
			"id":                     req(KindString),
			"broadcaster_user_id":    req(KindString),
			"broadcaster_user_login": req(KindString),
			"broadcaster_user_name":  req(KindString),
			"user_id":                req(KindString),
			"user_login":             req(KindString),
			"user_name":              req(KindString),
			"user_input":             opt(KindString),
			"status":                 req(KindString),
			"reward": reqObj(NewSchema(map[string]Field{
				"id":     req(KindString),
				"title":  req(KindString),
				"cost":   req(KindInt),
				"prompt": opt(KindString),
			}).Open()),
			"redeemed_at": req(KindString),
		}).Open(),
	},
	"StreamOnline": {
		Key:     "StreamOnline",
		Type:    "stream.online",
		Version: "1",
		Condition: NewSchema(map[string]Field{
			"broadcaster_user_id": req(KindString),
		}),
		Event: NewSchema(map[string]Field{
			"id":                     req(KindString),
			"broadcaster_user_id":    req(KindString),
			"broadcaster_user_login": req(KindString),
			"broadcaster_user_name":  req(KindString),
			"type":                   req(KindString),
			"started_at":             req(KindString),
		}).Open(),
	},
	"StreamOffline": {
		Key:     "StreamOffline",
		Type:    "stream.offline",
		Version: "1",
		Condition: NewSchema(map[string]Field{
			"broadcaster_user_id": req(KindString),
		}),
		Event: NewSchema(map[string]Field{
			"broadcaster_user_id":    req(KindString),
			"broadcaster_user_login": req(KindString),
			"broadcaster_user_name":  req(KindString),
		}).Open(),
	},
}

var transportSchema = NewSchema(map[string]Field{
	"method":     req(KindString),
	"session_id": opt(KindString),
	"callback":   opt(KindString),
	"secret":     opt(KindString),
})

var subscriptionEnvelopeSchema = NewSchema(map[string]Field{
	"data":           req(KindList),
	"total":          opt(KindInt),
	"total_cost":     opt(KindInt),
	"max_total_cost": opt(KindInt),
	"pagination": optObj(NewSchema(map[string]Field{
		"cursor": opt(KindString),
	})),
}).Open()

var dataEnvelopeSchema = NewSchema(map[string]Field{
	"data": req(KindList),
	"pagination": optObj(NewSchema(map[string]Field{
		"cursor": opt(KindString),
	})),
}).Open()

var endpoints = map[string]*Endpoint{
	EndpointCreateEventSubSubscription: {
		Name:   EndpointCreateEventSubSubscription,
		Method: "POST",
		Path:   "eventsub/subscriptions",
		Body: NewSchema(map[string]Field{
			"type":      req(KindString),
			"version":   req(KindString),
			"condition": req(KindObject),
			"transport": reqObj(transportSchema),
		}),
		Response:     subscriptionEnvelopeSchema,
		SuccessCodes: []int{202},
		ErrorCodes:   []int{400, 401, 403, 409, 429},
		Auth:         AuthRequirement{UserAccessToken: true, AppAccessToken: true},
	},
	EndpointDeleteEventSubSubscription: {
		Name:   EndpointDeleteEventSubSubscription,
		Method: "DELETE",
		Path:   "eventsub/subscriptions",
		Query: NewSchema(map[string]Field{
			"id": req(KindString),
		}),
		SuccessCodes: []int{204},
		ErrorCodes:   []int{400, 401, 404},
		Auth:         AuthRequirement{UserAccessToken: true, AppAccessToken: true},
	},
	EndpointGetEventSubSubscriptions: {
		Name:   EndpointGetEventSubSubscriptions,
		Method: "GET",
		Path:   "eventsub/subscriptions",
		Query: NewSchema(map[string]Field{
			"status":  opt(KindString),
			"type":    opt(KindString),
			"user_id": opt(KindString),
			"after":   opt(KindString),
		}),
		Response:     subscriptionEnvelopeSchema,
		SuccessCodes: []int{200},
		ErrorCodes:   []int{400, 401},
		Auth:         AuthRequirement{UserAccessToken: true, AppAccessToken: true},
	},
	EndpointGetUsers: {
		Name:   EndpointGetUsers,
		Method: "GET",
		Path:   "users",
		Query: NewSchema(map[string]Field{
			"id":    opt(KindStringList),
			"login": opt(KindStringList),
		}),
		Response:     dataEnvelopeSchema,
		SuccessCodes: []int{200},
		ErrorCodes:   []int{400, 401},
		Auth:         AuthRequirement{UserAccessToken: true, AppAccessToken: true},
	},
	EndpointGetStreams: {
		Name:   EndpointGetStreams,
		Method: "GET",
		Path:   "streams",
		Query: NewSchema(map[string]Field{
			"user_id":    opt(KindStringList),
			"user_login": opt(KindStringList),
			"game_id":    opt(KindStringList),
			"type":       opt(KindString),
			"language":   opt(KindStringList),
			"first":      opt(KindString),
			"before":     opt(KindString),
			"after":      opt(KindString),
		}),
		Response:     dataEnvelopeSchema,
		SuccessCodes: []int{200},
		ErrorCodes:   []int{400, 401},
		Auth:         AuthRequirement{UserAccessToken: true, AppAccessToken: true},
	},
	EndpointGetChannelInformation: {
		Name:   EndpointGetChannelInformation,
		Method: "GET",
		Path:   "channels",
		Query: NewSchema(map[string]Field{
			"broadcaster_id": req(KindStringList),
		}),
		Response:     dataEnvelopeSchema,
		SuccessCodes: []int{200},
		ErrorCodes:   []int{400, 401, 404},
		Auth:         AuthRequirement{UserAccessToken: true, AppAccessToken: true},
	},
	EndpointUpdateChannelInformation: {
		Name:   EndpointUpdateChannelInformation,
		Method: "PATCH",
		Path:   "channels",
		Query: NewSchema(map[string]Field{
			"broadcaster_id": req(KindString),
		}),
		Body: NewSchema(map[string]Field{
			"game_id":                       opt(KindString),
			"broadcaster_language":          opt(KindString),
			"title":                         opt(KindString),
			"delay":                         opt(KindInt),
			"tags":                          opt(KindStringList),
			"content_classification_labels": opt(KindList),
			"is_branded_content":            opt(KindBool),
		}),
		SuccessCodes: []int{204},
		ErrorCodes:   []int{400, 401, 403, 409},
		Auth: AuthRequirement{
			UserAccessToken: true,
			UserScopes:      scopeSetPtr(Scope("channel:manage:broadcast")),
		},
	},
	EndpointSendChatMessage: {
		Name:   EndpointSendChatMessage,
		Method: "POST",
		Path:   "chat/messages",
		Body: NewSchema(map[string]Field{
			"broadcaster_id":          req(KindString),
			"sender_id":               req(KindString),
			"message":                 req(KindString),
			"reply_parent_message_id": opt(KindString),
		}),
		Response:     dataEnvelopeSchema,
		SuccessCodes: []int{200},
		ErrorCodes:   []int{400, 401, 403, 422},
		Auth: AuthRequirement{
			UserAccessToken: true,
			AppAccessToken:  true,
			UserScopes: scopeSetPtr(AnyOf(
				Scope("user:write:chat"),
				AllOf(Scope("user:bot"), Scope("channel:bot")),
			)),
		},
	},
}

var subscriptionTypesByWire = buildWireIndex()

func buildWireIndex() map[string]*SubscriptionType {
	index := make(map[string]*SubscriptionType, len(subscriptionTypes))
	for _, st := range subscriptionTypes {
		index[wireKey(st.Type, st.Version)] = st
	}
	return index
}

func scopeSetPtr(s ScopeSet) *ScopeSet { return &s }
