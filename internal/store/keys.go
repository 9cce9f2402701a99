package store

// Prefix namespaces one concern of the session store.
type Prefix string

// Every key belongs to exactly one of these prefixes. Each ends in ':' and
// contains no other ':' so no prefix can be a prefix of another.
const (
	PrefixSession   Prefix = "session:"
	PrefixRoom      Prefix = "room:"
	PrefixMessages  Prefix = "messages:"
	PrefixRateLimit Prefix = "ratelimit:"
	PrefixContext   Prefix = "ai_context:"
)

// Prefixes lists all namespaces.
func Prefixes() []Prefix {
	return []Prefix{PrefixSession, PrefixRoom, PrefixMessages, PrefixRateLimit, PrefixContext}
}

// Key builds the key for id under prefix p.
func Key(p Prefix, id string) string {
	return string(p) + id
}

func SessionKey(userID string) string   { return Key(PrefixSession, userID) }
func RoomKey(roomID string) string      { return Key(PrefixRoom, roomID) }
func MessagesKey(roomID string) string  { return Key(PrefixMessages, roomID) }
func RateLimitKey(userID string) string { return Key(PrefixRateLimit, userID) }
func ContextKey(roomID string) string   { return Key(PrefixContext, roomID) }
