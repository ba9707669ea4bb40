package backend

import (
	"errors"
	"testing"
)

func TestCapabilities_Validate(t *testing.T) {
	caps := Capabilities{
		Name:         "test",
		MaxVCPUs:     4,
		MaxMemoryMiB: 1024,
		DirectBoot:   true,
		UserNAT:      true,
	}

	ok := &Config{KernelPath: "/k", VCPUs: 2, MemoryMiB: 512, Net: NetUserNAT}
	if err := caps.Validate(ok); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	cases := []struct {
		name string
		cfg  Config
	}{
		{"too many vcpus", Config{KernelPath: "/k", VCPUs: 8, MemoryMiB: 512}},
		{"too much memory", Config{KernelPath: "/k", VCPUs: 1, MemoryMiB: 4096}},
		{"qcow2 unsupported", Config{KernelPath: "/k", VCPUs: 1, MemoryMiB: 512,
			Disks: []Disk{{Path: "/d", Qcow2: true}}}},
		{"native nat unsupported", Config{KernelPath: "/k", VCPUs: 1, MemoryMiB: 512, Net: NetNativeNAT}},
		{"vsock unsupported", Config{KernelPath: "/k", VCPUs: 1, MemoryMiB: 512, Vsock: true}},
	}
	for _, tc := range cases {
		cfg := tc.cfg
		if err := caps.Validate(&cfg); err == nil {
			t.Errorf("%s: validate passed", tc.name)
		}
	}
}

func TestErrorKindMatching(t *testing.T) {
	err := Errorf(KindInvalidConfig, "bad share tag %q", "x")
	if !errors.Is(err, ErrInvalidConfig) {
		t.Error("Errorf result does not match its kind sentinel")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("kind matching crossed kinds")
	}
	if KindOf(err) != KindInvalidConfig {
		t.Errorf("KindOf = %v", KindOf(err))
	}
}

func TestHypervisorErrorMatchesKind(t *testing.T) {
	err := &HypervisorError{Op: OpKvmOpen, Hint: "add your user to the kvm group"}
	if !errors.Is(err, &Error{Kind: KindHypervisor}) {
		t.Error("hypervisor error does not match the hypervisor kind")
	}
	var hv *HypervisorError
	if !errors.As(err, &hv) || hv.Op != OpKvmOpen {
		t.Errorf("errors.As lost the op: %v", hv)
	}
}

func TestBackendUnavailableReasons(t *testing.T) {
	err := &BackendUnavailableError{Name: "kvm", Reason: UnavailableDeviceNodeAbsent}
	if !errors.Is(err, &Error{Kind: KindBackendUnavailable}) {
		t.Error("unavailable error does not match its kind")
	}
	if got := err.Error(); got != "backend kvm unavailable: device node absent" {
		t.Errorf("Error() = %q", got)
	}
}
