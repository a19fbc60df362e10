package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the variant of a parsed text frame
type Kind uint8

const (
	KindMalformed Kind = iota
	KindAuthRequest
	KindAuthReply
	KindRouteMessage
	KindRoutedMessage
	KindFileTransfer
	KindFileDelivery
	KindHeartbeat
	KindBroadcast
)

// String returns the metric/log label for a kind
func (k Kind) String() string {
	switch k {
	case KindAuthRequest:
		return "AUTH"
	case KindAuthReply:
		return "AUTH_REPLY"
	case KindRouteMessage:
		return "ROUTE"
	case KindRoutedMessage:
		return "ROUTED"
	case KindFileTransfer:
		return "FILE"
	case KindFileDelivery:
		return "FILE_DELIVERY"
	case KindHeartbeat:
		return "HEARTBEAT"
	case KindBroadcast:
		return "BROADCAST"
	default:
		return "MALFORMED"
	}
}

// Tags and field separators of the text protocol
const (
	tagAuth        = "AUTH:"
	tagAuthCampus  = "AUTH:Campus:"
	sepAuthPass    = ",Pass:"
	authSuccess    = "AUTH:SUCCESS"
	authFailed     = "AUTH:FAILED"
	tagTo          = "TO:"
	tagFrom        = "FROM:"
	sepDept        = "|DEPT:"
	sepMsg         = "|MSG:"
	tagFileTo      = "FILE:TO:"
	tagFileFrom    = "FILE:FROM:"
	sepName        = "|NAME:"
	sepSize        = "|SIZE:"
	sepData        = "|DATA:"
	tagHeartbeat   = "HEARTBEAT:"
	tagBroadcast   = "BROADCAST:"
	trimWhitespace = " \n\r\t"
)

// Message is one parsed text frame
type Message interface {
	Kind() Kind
	Encode() string
}

// AuthRequest is the handshake a site sends first
type AuthRequest struct {
	SiteID string
	Secret string
}

func (m *AuthRequest) Kind() Kind { return KindAuthRequest }

func (m *AuthRequest) Encode() string {
	return tagAuthCampus + m.SiteID + sepAuthPass + m.Secret
}

// AuthReply is the server's answer to an AuthRequest
type AuthReply struct {
	Success bool
}

func (m *AuthReply) Kind() Kind { return KindAuthReply }

func (m *AuthReply) Encode() string {
	if m.Success {
		return authSuccess
	}
	return authFailed
}

// RouteMessage asks the server to relay a text message to another site
type RouteMessage struct {
	To   string
	Dept string
	Body string
}

func (m *RouteMessage) Kind() Kind { return KindRouteMessage }

func (m *RouteMessage) Encode() string {
	return tagTo + m.To + sepDept + m.Dept + sepMsg + m.Body
}

// RoutedMessage is a RouteMessage as delivered to its destination
type RoutedMessage struct {
	From string
	Dept string
	Body string
}

func (m *RoutedMessage) Kind() Kind { return KindRoutedMessage }

func (m *RoutedMessage) Encode() string {
	return tagFrom + m.From + sepDept + m.Dept + sepMsg + m.Body
}

// FileTransfer asks the server to relay a hex-encoded file to another site
type FileTransfer struct {
	To   string
	Name string
	Size int
	Data string // hex, relayed verbatim
}

func (m *FileTransfer) Kind() Kind { return KindFileTransfer }

func (m *FileTransfer) Encode() string {
	return tagFileTo + m.To + fileTail(m.Name, m.Size, m.Data)
}

// NewFileTransfer builds a FileTransfer for raw file contents
func NewFileTransfer(to, name string, data []byte) *FileTransfer {
	return &FileTransfer{
		To:   to,
		Name: name,
		Size: len(data),
		Data: EncodeHex(data),
	}
}

// FileDelivery is a FileTransfer as delivered to its destination
type FileDelivery struct {
	From string
	Name string
	Size int
	Data string
}

func (m *FileDelivery) Kind() Kind { return KindFileDelivery }

func (m *FileDelivery) Encode() string {
	return tagFileFrom + m.From + fileTail(m.Name, m.Size, m.Data)
}

// Payload decodes the hex data and checks it against the declared size
func (m *FileDelivery) Payload() ([]byte, error) {
	data, err := DecodeHex(m.Data)
	if err != nil {
		return nil, err
	}
	if len(data) != m.Size {
		return nil, fmt.Errorf("%w: declared %d bytes, got %d", ErrSizeMismatch, m.Size, len(data))
	}
	return data, nil
}

// Heartbeat is the liveness ping sent over the datagram channel
type Heartbeat struct {
	SiteID string
}

func (m *Heartbeat) Kind() Kind { return KindHeartbeat }

func (m *Heartbeat) Encode() string {
	return tagHeartbeat + m.SiteID
}

// Broadcast is an operator message fanned out to every active site
type Broadcast struct {
	Text string
}

func (m *Broadcast) Kind() Kind { return KindBroadcast }

func (m *Broadcast) Encode() string {
	return tagBroadcast + m.Text
}

// Malformed is any frame that does not match a known shape
type Malformed struct {
	Raw    string
	Reason string
}

func (m *Malformed) Kind() Kind { return KindMalformed }

func (m *Malformed) Encode() string { return m.Raw }

func fileTail(name string, size int, data string) string {
	return sepName + name + sepSize + strconv.Itoa(size) + sepData + data
}

// Parse classifies a text frame by its leading tag.
// It never fails: unrecognised or incomplete frames come back as *Malformed.
func Parse(raw string) Message {
	switch {
	case strings.HasPrefix(raw, tagFileTo):
		return parseFile(raw, tagFileTo)
	case strings.HasPrefix(raw, tagFileFrom):
		return parseFile(raw, tagFileFrom)
	case strings.HasPrefix(raw, tagTo):
		return parseRoute(raw, tagTo)
	case strings.HasPrefix(raw, tagFrom):
		return parseRoute(raw, tagFrom)
	case raw == authSuccess:
		return &AuthReply{Success: true}
	case raw == authFailed:
		return &AuthReply{Success: false}
	case strings.HasPrefix(raw, tagAuth):
		return parseAuth(raw)
	case strings.HasPrefix(raw, tagHeartbeat):
		site := strings.Trim(raw[len(tagHeartbeat):], trimWhitespace)
		if site == "" {
			return malformed(raw, "empty heartbeat site")
		}
		return &Heartbeat{SiteID: site}
	case strings.HasPrefix(raw, tagBroadcast):
		return &Broadcast{Text: raw[len(tagBroadcast):]}
	default:
		return malformed(raw, "unknown tag")
	}
}

func parseAuth(raw string) Message {
	if !strings.HasPrefix(raw, tagAuthCampus) {
		return malformed(raw, "missing Campus field")
	}
	rest := raw[len(tagAuthCampus):]
	site, secret, ok := strings.Cut(rest, sepAuthPass)
	if !ok {
		return malformed(raw, "missing Pass field")
	}
	site = strings.Trim(site, trimWhitespace)
	secret = strings.Trim(secret, trimWhitespace)
	if site == "" {
		return malformed(raw, "empty campus")
	}
	return &AuthRequest{SiteID: site, Secret: secret}
}

func parseRoute(raw, tag string) Message {
	rest := raw[len(tag):]
	site, rest, ok := strings.Cut(rest, sepDept)
	if !ok {
		return malformed(raw, "missing DEPT field")
	}
	dept, body, ok := strings.Cut(rest, sepMsg)
	if !ok {
		return malformed(raw, "missing MSG field")
	}
	if site == "" {
		return malformed(raw, "empty address")
	}

	if tag == tagTo {
		return &RouteMessage{To: site, Dept: dept, Body: body}
	}
	return &RoutedMessage{From: site, Dept: dept, Body: body}
}

func parseFile(raw, tag string) Message {
	rest := raw[len(tag):]
	site, rest, ok := strings.Cut(rest, sepName)
	if !ok {
		return malformed(raw, "missing NAME field")
	}
	name, rest, ok := strings.Cut(rest, sepSize)
	if !ok {
		return malformed(raw, "missing SIZE field")
	}
	sizeStr, data, ok := strings.Cut(rest, sepData)
	if !ok {
		return malformed(raw, "missing DATA field")
	}
	if site == "" {
		return malformed(raw, "empty address")
	}
	// Canonical decimal only, so the relayed SIZE is byte-identical
	size, err := strconv.Atoi(sizeStr)
	if err != nil || size < 0 || strconv.Itoa(size) != sizeStr {
		return malformed(raw, "invalid SIZE field")
	}

	if tag == tagFileTo {
		return &FileTransfer{To: site, Name: name, Size: size, Data: data}
	}
	return &FileDelivery{From: site, Name: name, Size: size, Data: data}
}

func malformed(raw, reason string) *Malformed {
	return &Malformed{Raw: raw, Reason: reason}
}
