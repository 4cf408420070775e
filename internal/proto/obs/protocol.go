package obs

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// obs-websocket v5 opcodes.
const (
	OpHello           = 0
	OpIdentify        = 1
	OpIdentified      = 2
	OpEvent           = 5
	OpRequest         = 6
	OpRequestResponse = 7
)

const RPCVersion = 1

// Event subscription bits sent in Identify.
const (
	SubGeneral     = 1 << 0
	SubConfig      = 1 << 1
	SubScenes      = 1 << 2
	SubInputs      = 1 << 3
	SubTransitions = 1 << 4
	SubFilters     = 1 << 5
	SubOutputs     = 1 << 6
	SubSceneItems  = 1 << 7
	SubMediaInputs = 1 << 8
	SubVendors     = 1 << 9
	SubUI          = 1 << 10
	SubAll         = SubGeneral | SubConfig | SubScenes | SubInputs | SubTransitions | SubFilters |
		SubOutputs | SubSceneItems | SubMediaInputs | SubVendors | SubUI
)

// WebSocket close codes the server uses to reject a session.
const (
	CloseAuthenticationFailed  = 4009
	CloseUnsupportedRPCVersion = 4010
)

const (
	RequestGetStreamStatus            = "GetStreamStatus"
	RequestPressInputPropertiesButton = "PressInputPropertiesButton"

	EventInputMuteStateChanged = "InputMuteStateChanged"
)

var (
	ErrAuthFailed        = errors.New("obs authentication failed")
	ErrMissingCredential = errors.New("obs requires a password but none is configured")
	ErrUnsupportedRPC    = errors.New("obs rejected rpc version")
	ErrClientClosed      = errors.New("obs client closed")
)

type message struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type hello struct {
	OBSWebSocketVersion string         `json:"obsWebSocketVersion"`
	RPCVersion          int            `json:"rpcVersion"`
	Authentication      *authChallenge `json:"authentication,omitempty"`
}

type authChallenge struct {
	Challenge string `json:"challenge"`
	Salt      string `json:"salt"`
}

type identify struct {
	RPCVersion         int    `json:"rpcVersion"`
	Authentication     string `json:"authentication,omitempty"`
	EventSubscriptions int    `json:"eventSubscriptions"`
}

type identified struct {
	NegotiatedRPCVersion int `json:"negotiatedRpcVersion"`
}

// Event is a server-pushed notification.
type Event struct {
	Type   string          `json:"eventType"`
	Intent int             `json:"eventIntent"`
	Data   json.RawMessage `json:"eventData"`
}

type request struct {
	Type string `json:"requestType"`
	ID   string `json:"requestId"`
	Data any    `json:"requestData,omitempty"`
}

type requestStatus struct {
	Result  bool   `json:"result"`
	Code    int    `json:"code"`
	Comment string `json:"comment,omitempty"`
}

type response struct {
	Type   string          `json:"requestType"`
	ID     string          `json:"requestId"`
	Status requestStatus   `json:"requestStatus"`
	Data   json.RawMessage `json:"responseData,omitempty"`
}

// RequestError is a request the server answered with result=false. The connection is
// still usable.
type RequestError struct {
	Type    string
	Code    int
	Comment string
}

func (e *RequestError) Error() string {
	if e.Comment == "" {
		return fmt.Sprintf("obs %s failed with code %d", e.Type, e.Code)
	}
	return fmt.Sprintf("obs %s failed with code %d: %s", e.Type, e.Code, e.Comment)
}

type inputMuteStateChanged struct {
	InputName  string `json:"inputName"`
	InputMuted bool   `json:"inputMuted"`
}

type pressInputPropertiesButton struct {
	InputName    string `json:"inputName"`
	PropertyName string `json:"propertyName"`
}

// authResponse is base64(sha256(base64(sha256(password+salt)) + challenge)).
func authResponse(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	b64Secret := base64.StdEncoding.EncodeToString(secret[:])
	auth := sha256.Sum256([]byte(b64Secret + challenge))
	return base64.StdEncoding.EncodeToString(auth[:])
}

func encode(op int, d any) (message, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return message{}, err
	}
	return message{Op: op, D: b}, nil
}
