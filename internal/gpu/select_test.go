package gpu

import (
	"errors"
	"testing"
)

func TestSelectComputeDevice(t *testing.T) {
	want := DeviceUUID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	other := DeviceUUID{9}

	rt := &fakeRuntime{devices: []ComputeDeviceProperties{
		{Name: "other", UUID: other},
		{Name: "prohibited", UUID: want, Mode: ComputeModeProhibited},
		{Name: "match", UUID: want},
		{Name: "second match", UUID: want},
	}}

	dev, ordinal, err := SelectComputeDevice(rt, want)
	if err != nil {
		t.Fatalf("SelectComputeDevice: %v", err)
	}
	if dev == nil || ordinal != 2 || rt.current != 2 {
		t.Fatalf("ordinal=%d current=%d, want 2", ordinal, rt.current)
	}
}

func TestSelectComputeDeviceNoMatch(t *testing.T) {
	rt := &fakeRuntime{devices: []ComputeDeviceProperties{
		{Name: "a", UUID: DeviceUUID{1}},
		{Name: "b", UUID: DeviceUUID{2}},
	}}
	_, _, err := SelectComputeDevice(rt, DeviceUUID{3})
	if !errors.Is(err, ErrNoMatchingDevice) {
		t.Fatalf("err=%v, want ErrNoMatchingDevice", err)
	}
}

func TestSelectComputeDeviceNoDevices(t *testing.T) {
	_, _, err := SelectComputeDevice(&fakeRuntime{}, DeviceUUID{1})
	if !errors.Is(err, ErrNoMatchingDevice) {
		t.Fatalf("err=%v, want ErrNoMatchingDevice", err)
	}
}

func TestParseDeviceUUID(t *testing.T) {
	id, err := ParseDeviceUUID("01020304-0506-0708-090a-0b0c0d0e0f10")
	if err != nil {
		t.Fatalf("ParseDeviceUUID: %v", err)
	}
	if id != (DeviceUUID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}) {
		t.Fatalf("id=%v", id)
	}
	if id.String() != "01020304-0506-0708-090a-0b0c0d0e0f10" {
		t.Fatalf("String=%s", id)
	}
	if _, err := ParseDeviceUUID("not-a-uuid"); err == nil {
		t.Fatalf("expected error")
	}
}
