package mqttbroker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// MQTT 3.1.1 control packet types.
const (
	packetConnect     = 1
	packetConnAck     = 2
	packetPublish     = 3
	packetPubAck      = 4
	packetSubscribe   = 8
	packetSubAck      = 9
	packetUnsubscribe = 10
	packetUnsubAck    = 11
	packetPingReq     = 12
	packetPingResp    = 13
	packetDisconnect  = 14
)

const maxPacketSize = 1 << 20

var errMalformedLength = errors.New("malformed remaining length")

type packet struct {
	kind  byte
	flags byte
	body  []byte
}

func readPacket(r *bufio.Reader) (packet, error) {
	header, err := r.ReadByte()
	if err != nil {
		return packet{}, err
	}
	length, err := readRemainingLength(r)
	if err != nil {
		return packet{}, err
	}
	if length > maxPacketSize {
		return packet{}, fmt.Errorf("packet of %d bytes exceeds limit", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return packet{}, fmt.Errorf("read packet body: %w", err)
	}
	return packet{kind: header >> 4, flags: header & 0x0F, body: body}, nil
}

func readRemainingLength(r io.ByteReader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&127) * multiplier
		if digit&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, errMalformedLength
}

func appendRemainingLength(dst []byte, length int) []byte {
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		dst = append(dst, digit)
		if length == 0 {
			return dst
		}
	}
}

func encodePacket(kind, flags byte, body []byte) []byte {
	out := make([]byte, 0, 5+len(body))
	out = append(out, kind<<4|flags)
	out = appendRemainingLength(out, len(body))
	return append(out, body...)
}

func encodePublish(topic string, payload []byte) ([]byte, error) {
	if len(topic) > 0xFFFF {
		return nil, fmt.Errorf("topic of %d bytes is too long", len(topic))
	}
	body := make([]byte, 0, 2+len(topic)+len(payload))
	body = appendString(body, topic)
	body = append(body, payload...)
	return encodePacket(packetPublish, 0, body), nil
}

func encodeAck(kind byte, packetID uint16, extra ...byte) []byte {
	body := []byte{byte(packetID >> 8), byte(packetID)}
	return encodePacket(kind, 0, append(body, extra...))
}

func appendString(dst []byte, s string) []byte {
	dst = append(dst, byte(len(s)>>8), byte(len(s)))
	return append(dst, s...)
}

// fields reads the variable header and payload of a packet body.
type fields []byte

func (f *fields) byte() (byte, error) {
	if len(*f) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	v := (*f)[0]
	*f = (*f)[1:]
	return v, nil
}

func (f *fields) uint16() (uint16, error) {
	if len(*f) < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := uint16((*f)[0])<<8 | uint16((*f)[1])
	*f = (*f)[2:]
	return v, nil
}

func (f *fields) string() (string, error) {
	n, err := f.uint16()
	if err != nil {
		return "", err
	}
	if len(*f) < int(n) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*f)[:n])
	*f = (*f)[n:]
	return s, nil
}

func (f *fields) rest() []byte {
	out := append([]byte(nil), (*f)...)
	*f = nil
	return out
}

func (f *fields) empty() bool { return len(*f) == 0 }

type connectRequest struct {
	clientID string
}

const (
	flagWill     = 1 << 2
	flagPassword = 1 << 6
	flagUsername = 1 << 7
)

func parseConnect(body []byte) (connectRequest, error) {
	f := fields(body)
	proto, err := f.string()
	if err != nil {
		return connectRequest{}, fmt.Errorf("read protocol name: %w", err)
	}
	if proto != "MQTT" {
		return connectRequest{}, fmt.Errorf("unsupported protocol %q", proto)
	}
	level, err := f.byte()
	if err != nil {
		return connectRequest{}, fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 {
		return connectRequest{}, fmt.Errorf("unsupported protocol level %d", level)
	}
	flags, err := f.byte()
	if err != nil {
		return connectRequest{}, fmt.Errorf("read connect flags: %w", err)
	}
	if flags&flagWill != 0 {
		return connectRequest{}, errors.New("will messages are not supported")
	}
	if _, err := f.uint16(); err != nil {
		return connectRequest{}, fmt.Errorf("read keepalive: %w", err)
	}
	clientID, err := f.string()
	if err != nil {
		return connectRequest{}, fmt.Errorf("read client id: %w", err)
	}
	// Credentials are accepted and ignored.
	if flags&flagUsername != 0 {
		if _, err := f.string(); err != nil {
			return connectRequest{}, fmt.Errorf("read username: %w", err)
		}
	}
	if flags&flagPassword != 0 {
		if _, err := f.string(); err != nil {
			return connectRequest{}, fmt.Errorf("read password: %w", err)
		}
	}
	return connectRequest{clientID: clientID}, nil
}

type publishRequest struct {
	topic    string
	qos      byte
	packetID uint16
	payload  []byte
}

func parsePublish(p packet) (publishRequest, error) {
	qos := (p.flags >> 1) & 0x03
	if qos > 1 {
		return publishRequest{}, fmt.Errorf("unsupported qos %d", qos)
	}
	f := fields(p.body)
	topic, err := f.string()
	if err != nil {
		return publishRequest{}, fmt.Errorf("read topic: %w", err)
	}
	req := publishRequest{topic: topic, qos: qos}
	if qos > 0 {
		if req.packetID, err = f.uint16(); err != nil {
			return publishRequest{}, fmt.Errorf("read packet id: %w", err)
		}
	}
	req.payload = f.rest()
	return req, nil
}

type filterRequest struct {
	packetID uint16
	filters  []string
}

func parseFilters(body []byte, withQoS bool) (filterRequest, error) {
	f := fields(body)
	id, err := f.uint16()
	if err != nil {
		return filterRequest{}, fmt.Errorf("read packet id: %w", err)
	}
	req := filterRequest{packetID: id}
	for !f.empty() {
		filter, err := f.string()
		if err != nil {
			return filterRequest{}, fmt.Errorf("read topic filter: %w", err)
		}
		if withQoS {
			if _, err := f.byte(); err != nil {
				return filterRequest{}, fmt.Errorf("read requested qos: %w", err)
			}
		}
		req.filters = append(req.filters, filter)
	}
	if len(req.filters) == 0 {
		return filterRequest{}, errors.New("no topic filters")
	}
	return req, nil
}
