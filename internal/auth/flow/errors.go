package flow

import "errors"

// ErrBadState marks a state parameter that was not produced by this
// gateway. The HTTP layer answers 400 before touching the broker or the
// database.
var ErrBadState = errors.New("flow: bad state")

// ErrNoBrokerSession marks an invalidation of a state that never
// captured a broker session, so there is nothing to log out.
var ErrNoBrokerSession = errors.New("flow: state carries no broker session")

// Code is the stable error vocabulary exposed to clients on failure
// redirects. The internal taxonomy never leaves the gateway verbatim.
type Code string

const (
	// CodeIdPError covers identity provider errors with no better mapping.
	CodeIdPError Code = "E0"
	// CodeUserAborted means the user cancelled at the identity provider.
	CodeUserAborted Code = "E1"
	// CodeUnsupportedPrincipal means the broker authenticated a principal
	// type this flow does not accept, such as a bare private individual.
	CodeUnsupportedPrincipal Code = "E504"
	// CodeTokenExchange covers network or protocol failures exchanging
	// the authorization code, timeouts included.
	CodeTokenExchange Code = "E505"
)

var codeText = map[Code]string{
	CodeIdPError:             "identity provider reported an error",
	CodeUserAborted:          "login cancelled by the user",
	CodeUnsupportedPrincipal: "unsupported login type",
	CodeTokenExchange:        "could not complete login with the identity provider",
}

// Text devuelve el mensaje humano del código.
func (c Code) Text() string { return codeText[c] }

// classifyIdPError maps the broker's error/error_description pair onto
// the internal vocabulary. Only the aborted variants get their own code.
func classifyIdPError(errParam, description string) Code {
	switch description {
	case "mitid_user_aborted", "user_aborted":
		return CodeUserAborted
	}
	switch errParam {
	case "mitid_user_aborted", "user_aborted":
		return CodeUserAborted
	}
	return CodeIdPError
}
