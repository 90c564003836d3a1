package doubao

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

const (
	protocolVersion = 0x1
	headerWords     = 0x1

	msgFullClientRequest  = 0x1
	msgAudioOnlyRequest   = 0x2
	msgFullServerResponse = 0x9
	msgServerError        = 0xf

	flagPositiveSequence     = 0x1
	flagLastPackage          = 0x2
	flagNegativeWithSequence = 0x3
	flagEvent                = 0x4

	serializationNone = 0x0
	serializationJSON = 0x1

	compressionNone = 0x0
	compressionGzip = 0x1
)

var errShortFrame = errors.New("frame too short")

type fullRequest struct {
	User    requestUser    `json:"user"`
	Audio   requestAudio   `json:"audio"`
	Request requestOptions `json:"request"`
}

type requestUser struct {
	UID string `json:"uid"`
}

type requestAudio struct {
	Format  string `json:"format"`
	Codec   string `json:"codec"`
	Rate    int    `json:"rate"`
	Bits    int    `json:"bits"`
	Channel int    `json:"channel"`
}

type requestOptions struct {
	ModelName       string `json:"model_name"`
	EnableITN       bool   `json:"enable_itn"`
	EnablePunc      bool   `json:"enable_punc"`
	EnableDDC       bool   `json:"enable_ddc"`
	ShowUtterances  bool   `json:"show_utterances"`
	EnableNonstream bool   `json:"enable_nonstream"`
}

// response is a decoded server frame.
type response struct {
	MessageType byte
	Code        int32
	Event       int32
	Sequence    int32
	Last        bool
	Payload     *responsePayload
}

type responsePayload struct {
	Result *struct {
		Text string `json:"text"`
	} `json:"result"`
	Error string `json:"error"`
}

func header(messageType, flags, serialization, compression byte) []byte {
	return []byte{
		protocolVersion<<4 | headerWords,
		messageType<<4 | flags,
		serialization<<4 | compression,
		0x00,
	}
}

func encodeFrame(messageType, flags byte, seq int32, payload []byte) ([]byte, error) {
	compressed, err := gzipBytes(payload)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(12 + len(compressed))
	buf.Write(header(messageType, flags, serializationJSON, compressionGzip))
	_ = binary.Write(&buf, binary.BigEndian, seq)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(compressed)))
	buf.Write(compressed)
	return buf.Bytes(), nil
}

func encodeFullRequest(seq int32, req fullRequest) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal full request: %w", err)
	}
	return encodeFrame(msgFullClientRequest, flagPositiveSequence, seq, payload)
}

// encodeAudio frames one audio segment. The last segment carries the
// negative-sequence flag and a negated sequence number.
func encodeAudio(seq int32, pcm []byte, last bool) ([]byte, error) {
	flags := byte(flagPositiveSequence)
	if last {
		flags = flagNegativeWithSequence
		seq = -seq
	}
	return encodeFrame(msgAudioOnlyRequest, flags, seq, pcm)
}

func parseResponse(msg []byte) (response, error) {
	var resp response
	if len(msg) < 4 {
		return resp, fmt.Errorf("response header: %w", errShortFrame)
	}

	headerSize := int(msg[0]&0x0f) * 4
	resp.MessageType = msg[1] >> 4
	flags := msg[1] & 0x0f
	serialization := msg[2] >> 4
	compression := msg[2] & 0x0f
	if len(msg) < headerSize {
		return resp, fmt.Errorf("response header size %d: %w", headerSize, errShortFrame)
	}
	payload := msg[headerSize:]

	if flags&flagPositiveSequence != 0 {
		if len(payload) < 4 {
			return resp, fmt.Errorf("response sequence: %w", errShortFrame)
		}
		resp.Sequence = int32(binary.BigEndian.Uint32(payload[:4]))
		payload = payload[4:]
	}
	if flags&flagLastPackage != 0 {
		resp.Last = true
	}
	if flags&flagEvent != 0 {
		if len(payload) < 4 {
			return resp, fmt.Errorf("response event: %w", errShortFrame)
		}
		resp.Event = int32(binary.BigEndian.Uint32(payload[:4]))
		payload = payload[4:]
	}

	switch resp.MessageType {
	case msgFullServerResponse:
		if len(payload) < 4 {
			return resp, fmt.Errorf("response payload size: %w", errShortFrame)
		}
		payload = payload[4:]
	case msgServerError:
		if len(payload) < 8 {
			return resp, fmt.Errorf("error response: %w", errShortFrame)
		}
		resp.Code = int32(binary.BigEndian.Uint32(payload[:4]))
		payload = payload[8:]
	default:
		return resp, fmt.Errorf("unexpected message type %#x", resp.MessageType)
	}

	if len(payload) == 0 {
		return resp, nil
	}
	if compression == compressionGzip {
		decoded, err := gunzipBytes(payload)
		if err != nil {
			return resp, fmt.Errorf("decompress payload: %w", err)
		}
		payload = decoded
	}
	if serialization != serializationJSON {
		return resp, nil
	}

	var body responsePayload
	if err := json.Unmarshal(payload, &body); err != nil {
		if resp.MessageType == msgServerError {
			body.Error = string(payload)
		} else {
			return resp, fmt.Errorf("decode payload: %w", err)
		}
	}
	resp.Payload = &body
	return resp, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
