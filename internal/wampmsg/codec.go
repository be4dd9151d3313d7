package wampmsg

import (
	"encoding/json"
	"fmt"
)

// ProtocolError reports a malformed frame: bad JSON, an out-of-arity
// message, or a kind that cannot legally appear where it was received.
// It is always terminal for the session. An unknown kind is reported by
// a separate, non-terminal error instead (see UnknownKind).
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "wamp protocol error: " + e.Reason }

// omit marks a positional slot that should be dropped from the trailing
// end of an encoded array rather than emitted (e.g. as null).
type omit struct{}

var theOmit = omit{}

// buildArray JSON-encodes parts as an array after trimming any run of
// trailing omit markers. This is the mechanism behind WAMP's rule that
// absent optional trailing fields are elided, not nulled.
func buildArray(parts []any) ([]byte, error) {
	end := len(parts)
	for end > 0 {
		if _, ok := parts[end-1].(omit); ok {
			end--
			continue
		}
		break
	}
	return json.Marshal(parts[:end])
}

// argsDictTail renders the Args/Dict optional tail shared by most WAMP
// message kinds. A present Dict forces Args to be emitted too (as an
// empty array if it was itself absent), since WAMP cannot elide a
// middle positional field.
func argsDictTail(args Optional[[]any], dict Optional[map[string]any]) []any {
	if !dict.Present {
		if !args.Present {
			return []any{theOmit, theOmit}
		}
		return []any{argsValue(args), theOmit}
	}
	return []any{argsValue(args), dict.Value}
}

func argsValue(args Optional[[]any]) []any {
	if !args.Present {
		return []any{}
	}
	if args.Value == nil {
		return []any{}
	}
	return args.Value
}

// Encode renders m as its on-the-wire JSON array form.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Hello:
		return buildArray([]any{KindHello, v.Realm, v.Details})
	case Welcome:
		return buildArray([]any{KindWelcome, v.Session, v.Details})
	case Abort:
		return buildArray([]any{KindAbort, v.Details, v.Reason})
	case Challenge:
		return buildArray([]any{KindChallenge, v.Method, v.Extra})
	case Authenticate:
		extra := v.Extra
		if extra == nil {
			extra = map[string]any{}
		}
		return buildArray([]any{KindAuthenticate, v.Signature, extra})
	case Error:
		parts := []any{KindError, v.RequestType, v.Request, v.Details, v.Error}
		parts = append(parts, argsDictTail(v.Args, v.Dict)...)
		return buildArray(parts)
	case Publish:
		parts := []any{KindPublish, v.Request, v.Options, v.Topic}
		parts = append(parts, argsDictTail(v.Args, v.Dict)...)
		return buildArray(parts)
	case Published:
		return buildArray([]any{KindPublished, v.Request, v.Publication})
	case Subscribe:
		return buildArray([]any{KindSubscribe, v.Request, v.Options, v.Topic})
	case Subscribed:
		return buildArray([]any{KindSubscribed, v.Request, v.Subscription})
	case Unsubscribe:
		return buildArray([]any{KindUnsubscribe, v.Request, v.Subscription})
	case Unsubscribed:
		return buildArray([]any{KindUnsubscribed, v.Request})
	case Event:
		parts := []any{KindEvent, v.Subscription, v.Publication, v.Details}
		parts = append(parts, argsDictTail(v.Args, v.Dict)...)
		return buildArray(parts)
	case Call:
		parts := []any{KindCall, v.Request, v.Options, v.Procedure}
		parts = append(parts, argsDictTail(v.Args, v.Dict)...)
		return buildArray(parts)
	case Cancel:
		return buildArray([]any{KindCancel, v.Request, v.Options})
	case Result:
		parts := []any{KindResult, v.Request, v.Details}
		parts = append(parts, argsDictTail(v.Args, v.Dict)...)
		return buildArray(parts)
	case Register:
		return buildArray([]any{KindRegister, v.Request, v.Options, v.Procedure})
	case Registered:
		return buildArray([]any{KindRegistered, v.Request, v.Registration})
	case Unregister:
		return buildArray([]any{KindUnregister, v.Request, v.Registration})
	case Unregistered:
		return buildArray([]any{KindUnregistered, v.Request})
	case Invocation:
		parts := []any{KindInvocation, v.Request, v.Registration, v.Details}
		parts = append(parts, argsDictTail(v.Args, v.Dict)...)
		return buildArray(parts)
	case Interrupt:
		return buildArray([]any{KindInterrupt, v.Request, v.Options})
	case Yield:
		parts := []any{KindYield, v.Request, v.Options}
		parts = append(parts, argsDictTail(v.Args, v.Dict)...)
		return buildArray(parts)
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("encode: unknown message type %T", m)}
	}
}

// arity holds the required and required+optional element counts for a
// message kind, used to reject malformed frames before field access.
type arity struct{ min, max int }

var arities = map[int]arity{
	KindHello:        {3, 3},
	KindWelcome:      {3, 3},
	KindAbort:        {3, 3},
	KindChallenge:    {3, 3},
	KindAuthenticate: {3, 3},
	KindError:        {5, 7},
	KindPublish:      {4, 6},
	KindPublished:    {3, 3},
	KindSubscribe:    {4, 4},
	KindSubscribed:   {3, 3},
	KindUnsubscribe:  {3, 3},
	KindUnsubscribed: {2, 2},
	KindEvent:        {4, 6},
	KindCall:         {4, 6},
	KindCancel:       {3, 3},
	KindResult:       {3, 5},
	KindRegister:     {4, 4},
	KindRegistered:   {3, 3},
	KindUnregister:   {3, 3},
	KindUnregistered: {2, 2},
	KindInvocation:   {4, 6},
	KindInterrupt:    {3, 3},
	KindYield:        {3, 5},
}

// Decode parses a single JSON-encoded WAMP frame.
func Decode(data []byte) (Message, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ProtocolError{Reason: "malformed json: " + err.Error()}
	}
	if len(raw) == 0 {
		return nil, &ProtocolError{Reason: "empty frame"}
	}

	var kind int
	if err := json.Unmarshal(raw[0], &kind); err != nil {
		return nil, &ProtocolError{Reason: "non-numeric kind tag: " + err.Error()}
	}

	ar, known := arities[kind]
	if !known {
		return nil, errUnknownKind(kind)
	}
	if len(raw) < ar.min || len(raw) > ar.max {
		return nil, &ProtocolError{Reason: fmt.Sprintf("kind %d: wrong arity %d (want %d-%d)", kind, len(raw), ar.min, ar.max)}
	}

	switch kind {
	case KindHello:
		var realm string
		var details map[string]any
		if err := unmarshalAll(raw, &realm, &details); err != nil {
			return nil, err
		}
		return Hello{Realm: realm, Details: details}, nil
	case KindWelcome:
		var session int64
		var details map[string]any
		if err := unmarshalAll(raw, &session, &details); err != nil {
			return nil, err
		}
		return Welcome{Session: session, Details: details}, nil
	case KindAbort:
		var details map[string]any
		var reason string
		if err := unmarshalAll(raw, &details, &reason); err != nil {
			return nil, err
		}
		return Abort{Details: details, Reason: reason}, nil
	case KindChallenge:
		var method string
		var extra map[string]any
		if err := unmarshalAll(raw, &method, &extra); err != nil {
			return nil, err
		}
		return Challenge{Method: method, Extra: extra}, nil
	case KindAuthenticate:
		var sig string
		var extra map[string]any
		if err := unmarshalAll(raw, &sig, &extra); err != nil {
			return nil, err
		}
		return Authenticate{Signature: sig, Extra: extra}, nil
	case KindError:
		var reqType int
		var request int64
		var details map[string]any
		var reason string
		if err := unmarshalAll(raw, &reqType, &request, &details, &reason); err != nil {
			return nil, err
		}
		args, dict, err := unmarshalTail(raw, 5)
		if err != nil {
			return nil, err
		}
		return Error{RequestType: reqType, Request: request, Details: details, Error: reason, Args: args, Dict: dict}, nil
	case KindPublish:
		var request int64
		var options map[string]any
		var topic string
		if err := unmarshalAll(raw, &request, &options, &topic); err != nil {
			return nil, err
		}
		args, dict, err := unmarshalTail(raw, 4)
		if err != nil {
			return nil, err
		}
		return Publish{Request: request, Options: options, Topic: topic, Args: args, Dict: dict}, nil
	case KindPublished:
		var request, pub int64
		if err := unmarshalAll(raw, &request, &pub); err != nil {
			return nil, err
		}
		return Published{Request: request, Publication: pub}, nil
	case KindSubscribe:
		var request int64
		var options map[string]any
		var topic string
		if err := unmarshalAll(raw, &request, &options, &topic); err != nil {
			return nil, err
		}
		return Subscribe{Request: request, Options: options, Topic: topic}, nil
	case KindSubscribed:
		var request, sub int64
		if err := unmarshalAll(raw, &request, &sub); err != nil {
			return nil, err
		}
		return Subscribed{Request: request, Subscription: sub}, nil
	case KindUnsubscribe:
		var request, sub int64
		if err := unmarshalAll(raw, &request, &sub); err != nil {
			return nil, err
		}
		return Unsubscribe{Request: request, Subscription: sub}, nil
	case KindUnsubscribed:
		var request int64
		if err := unmarshalAll(raw, &request); err != nil {
			return nil, err
		}
		return Unsubscribed{Request: request}, nil
	case KindEvent:
		var sub, pub int64
		var details map[string]any
		if err := unmarshalAll(raw, &sub, &pub, &details); err != nil {
			return nil, err
		}
		args, dict, err := unmarshalTail(raw, 4)
		if err != nil {
			return nil, err
		}
		return Event{Subscription: sub, Publication: pub, Details: details, Args: args, Dict: dict}, nil
	case KindCall:
		var request int64
		var options map[string]any
		var procedure string
		if err := unmarshalAll(raw, &request, &options, &procedure); err != nil {
			return nil, err
		}
		args, dict, err := unmarshalTail(raw, 4)
		if err != nil {
			return nil, err
		}
		return Call{Request: request, Options: options, Procedure: procedure, Args: args, Dict: dict}, nil
	case KindCancel:
		var request int64
		var options map[string]any
		if err := unmarshalAll(raw, &request, &options); err != nil {
			return nil, err
		}
		return Cancel{Request: request, Options: options}, nil
	case KindResult:
		var request int64
		var details map[string]any
		if err := unmarshalAll(raw, &request, &details); err != nil {
			return nil, err
		}
		args, dict, err := unmarshalTail(raw, 3)
		if err != nil {
			return nil, err
		}
		return Result{Request: request, Details: details, Args: args, Dict: dict}, nil
	case KindRegister:
		var request int64
		var options map[string]any
		var procedure string
		if err := unmarshalAll(raw, &request, &options, &procedure); err != nil {
			return nil, err
		}
		return Register{Request: request, Options: options, Procedure: procedure}, nil
	case KindRegistered:
		var request, reg int64
		if err := unmarshalAll(raw, &request, &reg); err != nil {
			return nil, err
		}
		return Registered{Request: request, Registration: reg}, nil
	case KindUnregister:
		var request, reg int64
		if err := unmarshalAll(raw, &request, &reg); err != nil {
			return nil, err
		}
		return Unregister{Request: request, Registration: reg}, nil
	case KindUnregistered:
		var request int64
		if err := unmarshalAll(raw, &request); err != nil {
			return nil, err
		}
		return Unregistered{Request: request}, nil
	case KindInvocation:
		var request, reg int64
		var details map[string]any
		if err := unmarshalAll(raw, &request, &reg, &details); err != nil {
			return nil, err
		}
		args, dict, err := unmarshalTail(raw, 4)
		if err != nil {
			return nil, err
		}
		return Invocation{Request: request, Registration: reg, Details: details, Args: args, Dict: dict}, nil
	case KindInterrupt:
		var request int64
		var options map[string]any
		if err := unmarshalAll(raw, &request, &options); err != nil {
			return nil, err
		}
		return Interrupt{Request: request, Options: options}, nil
	case KindYield:
		var request int64
		var options map[string]any
		if err := unmarshalAll(raw, &request, &options); err != nil {
			return nil, err
		}
		args, dict, err := unmarshalTail(raw, 3)
		if err != nil {
			return nil, err
		}
		return Yield{Request: request, Options: options, Args: args, Dict: dict}, nil
	default:
		return nil, errUnknownKind(kind)
	}
}

// unmarshalAll unmarshals raw[1:1+len(dst)] into dst in order. raw[0]
// is always the kind tag and is skipped.
func unmarshalAll(raw []json.RawMessage, dst ...any) error {
	for i, d := range dst {
		idx := i + 1
		if idx >= len(raw) {
			return &ProtocolError{Reason: fmt.Sprintf("missing field at index %d", idx)}
		}
		if err := json.Unmarshal(raw[idx], d); err != nil {
			return &ProtocolError{Reason: fmt.Sprintf("field %d: %s", idx, err.Error())}
		}
	}
	return nil
}

// unmarshalTail parses the optional trailing Args/Dict fields starting
// at index from. Absence of either is represented as an absent
// Optional, preserving the distinction the session core relies on
// between "no payload was sent" and "an empty payload was sent".
func unmarshalTail(raw []json.RawMessage, from int) (Optional[[]any], Optional[map[string]any], error) {
	if len(raw) <= from {
		return None[[]any](), None[map[string]any](), nil
	}
	var args []any
	if err := json.Unmarshal(raw[from], &args); err != nil {
		return Optional[[]any]{}, Optional[map[string]any]{}, &ProtocolError{Reason: "args: " + err.Error()}
	}
	if len(raw) <= from+1 {
		return Some(args), None[map[string]any](), nil
	}
	var dict map[string]any
	if err := json.Unmarshal(raw[from+1], &dict); err != nil {
		return Optional[[]any]{}, Optional[map[string]any]{}, &ProtocolError{Reason: "dict: " + err.Error()}
	}
	return Some(args), Some(dict), nil
}

func errUnknownKind(kind int) error {
	return &unknownKindError{kind: kind}
}

// unknownKindError marks a frame whose kind tag is not one this client
// recognizes. Unlike ProtocolError, this is not terminal: the session
// logs and drops the frame per the WAMP forward-compatibility rule.
type unknownKindError struct{ kind int }

func (e *unknownKindError) Error() string { return fmt.Sprintf("unknown wamp message kind %d", e.kind) }

// UnknownKind reports whether err was produced by decoding a frame
// whose leading kind tag is not recognized by this implementation.
func UnknownKind(err error) (kind int, ok bool) {
	var e *unknownKindError
	if as, matches := err.(*unknownKindError); matches {
		e = as
		return e.kind, true
	}
	return 0, false
}
