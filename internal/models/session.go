package models

import "time"

// BrokerKind selects the broker adapter implementation.
type BrokerKind string

const (
	BrokerZerodha  BrokerKind = "zerodha"
	BrokerAngelOne BrokerKind = "angelone"
	BrokerPaper    BrokerKind = "paper"
)

// SessionState is the authentication state of a session.
type SessionState string

const (
	SessionUnauthenticated SessionState = "UNAUTHENTICATED"
	SessionAuthenticated   SessionState = "AUTHENTICATED"
	SessionExpired         SessionState = "EXPIRED"
)

// Session is an authenticated, time-limited credential bundle for one owner.
type Session struct {
	Owner        string
	UserID       string // broker-side client code
	BrokerKind   BrokerKind
	AccessToken  string
	RefreshToken string
	FeedToken    string
	State        SessionState
	CreatedAt    time.Time
	RefreshedAt  time.Time
}

// Credentials are supplied by the credential collaborator for a login attempt.
// OneTimeCode is generated fresh for each attempt; the engine never derives it.
type Credentials struct {
	Username     string
	Secret       string
	OneTimeCode  string
	BrokerKind   BrokerKind
	RequestToken string // zerodha: skip web login when an OAuth request token is at hand
}
