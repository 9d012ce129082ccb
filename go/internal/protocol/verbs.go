package protocol

import "fmt"

// Verb is the closed set of operations a client can ask the master to perform.
type Verb int

const (
	VerbCreateResource Verb = iota
	VerbGetResource
	VerbUpdateResource
	VerbRemoveResource
	VerbObserveResource
	VerbSubscribeToResource
	VerbUnsubscribeFromResource
	VerbDispatchAction
	VerbRequest

	verbCount
)

// MessageNames is the request/response message name pair of a verb.
type MessageNames struct {
	Request  string
	Response string
}

var verbMessages = [verbCount]MessageNames{
	VerbCreateResource:          {Request: "createResource", Response: "createResource:response"},
	VerbGetResource:             {Request: "getResource", Response: "getResource:response"},
	VerbUpdateResource:          {Request: "updateResource", Response: "updateResource:response"},
	VerbRemoveResource:          {Request: "removeResource", Response: "removeResource:response"},
	VerbObserveResource:         {Request: "observeResource", Response: "observeResource:response"},
	VerbSubscribeToResource:     {Request: "subscribeToResource", Response: "subscribeToResource:response"},
	VerbUnsubscribeFromResource: {Request: "unsubscribeFromResource", Response: "unsubscribeFromResource:response"},
	VerbDispatchAction:          {Request: "dispatchAction", Response: "dispatchAction:response"},
	VerbRequest:                 {Request: "request", Response: "request:response"},
}

// Messages returns the message name pair for v.
func (v Verb) Messages() MessageNames {
	if v < 0 || v >= verbCount {
		return MessageNames{}
	}
	return verbMessages[v]
}

func (v Verb) String() string {
	if name := v.Messages().Request; name != "" {
		return name
	}
	return fmt.Sprintf("Verb(%d)", int(v))
}

// ReturnsResource reports whether a successful response carries a ResourceEnvelope.
func (v Verb) ReturnsResource() bool {
	switch v {
	case VerbCreateResource, VerbGetResource, VerbUpdateResource, VerbRemoveResource, VerbObserveResource:
		return true
	default:
		return false
	}
}

// ParseVerb maps an inbound request message name to its verb.
func ParseVerb(name string) (Verb, bool) {
	switch name {
	case "createResource":
		return VerbCreateResource, true
	case "getResource":
		return VerbGetResource, true
	case "updateResource":
		return VerbUpdateResource, true
	case "removeResource":
		return VerbRemoveResource, true
	case "observeResource":
		return VerbObserveResource, true
	case "subscribeToResource":
		return VerbSubscribeToResource, true
	case "unsubscribeFromResource":
		return VerbUnsubscribeFromResource, true
	case "dispatchAction":
		return VerbDispatchAction, true
	case "request":
		return VerbRequest, true
	default:
		return 0, false
	}
}

// Push events sent by the master without a preceding request.
const (
	EventUpdateResource = "updateResource"
	EventRemoveResource = "removeResource"
)
