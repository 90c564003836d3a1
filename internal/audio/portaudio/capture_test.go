package portaudio

import (
	"bytes"
	"testing"

	pa "github.com/gordonklaus/portaudio"
)

func TestEncodePCM16LittleEndian(t *testing.T) {
	t.Parallel()

	dst := make([]byte, 6)
	encodePCM16(dst, []int16{1, -2, 0x0102})
	want := []byte{0x01, 0x00, 0xfe, 0xff, 0x02, 0x01}
	if !bytes.Equal(dst, want) {
		t.Fatalf("unexpected bytes: % x", dst)
	}
}

func TestPickDevice(t *testing.T) {
	t.Parallel()

	devices := []*pa.DeviceInfo{
		{Name: "HDMI Output", MaxInputChannels: 0},
		{Name: "USB Microphone Array", MaxInputChannels: 2},
		{Name: "Microphone", MaxInputChannels: 1},
		nil,
	}

	if got := pickDevice(devices, "Microphone"); got == nil || got.Name != "Microphone" {
		t.Fatalf("expected exact match, got %+v", got)
	}
	if got := pickDevice(devices, "usb"); got == nil || got.Name != "USB Microphone Array" {
		t.Fatalf("expected substring match, got %+v", got)
	}
	if got := pickDevice(devices, "hdmi"); got != nil {
		t.Fatalf("output-only devices must not match, got %+v", got)
	}
}
