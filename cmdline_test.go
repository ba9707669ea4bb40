package capsa

import "testing"

func TestKernelCmdline_MergeLastWins(t *testing.T) {
	a := NewKernelCmdline("console=ttyS0 root=/dev/vda quiet")
	b := NewKernelCmdline("console=hvc0 panic=-1")

	merged := a.Merge(b)

	if got, _ := merged.Get("console"); got != "hvc0" {
		t.Errorf("console = %q, want hvc0 (later layer wins)", got)
	}
	if got, _ := merged.Get("root"); got != "/dev/vda" {
		t.Errorf("root = %q, want /dev/vda (earlier layer preserved)", got)
	}
	if got, _ := merged.Get("panic"); got != "-1" {
		t.Errorf("panic = %q, want -1", got)
	}
	if !merged.HasFlag("quiet") {
		t.Error("quiet flag lost in merge")
	}
}

func TestKernelCmdline_MergeKeepsPosition(t *testing.T) {
	a := NewKernelCmdline("console=ttyS0 root=/dev/vda")
	b := NewKernelCmdline("console=hvc0")

	if got := a.Merge(b).String(); got != "console=hvc0 root=/dev/vda" {
		t.Errorf("merged = %q, replacement must keep position", got)
	}
}

func TestKernelCmdline_ParseBuildRoundTrip(t *testing.T) {
	cases := []string{
		"console=hvc0 root=/dev/vda rw panic=-1",
		"quiet",
		"",
		"a=1 b=2 flag c=3",
	}
	for _, s := range cases {
		c := NewKernelCmdline(s)
		again := NewKernelCmdline(c.String())
		if c.String() != again.String() {
			t.Errorf("round trip of %q: %q != %q", s, c.String(), again.String())
		}
		if c.Len() != again.Len() {
			t.Errorf("round trip of %q changed arg count %d -> %d", s, c.Len(), again.Len())
		}
	}
}

func TestKernelCmdline_FlagsNotDuplicated(t *testing.T) {
	var c KernelCmdline
	c.AddFlag("quiet")
	c.AddFlag("quiet")
	if c.String() != "quiet" {
		t.Errorf("String = %q, want single quiet", c.String())
	}
}

func TestKernelCmdline_Override(t *testing.T) {
	c := NewKernelCmdline("console=hvc0 root=/dev/vda")
	c.Override("init=/bin/sh")

	if got := c.String(); got != "init=/bin/sh" {
		t.Errorf("override String = %q", got)
	}

	base := NewKernelCmdline("console=ttyS0")
	if got := base.Merge(c).String(); got != "init=/bin/sh" {
		t.Errorf("override must win merges, got %q", got)
	}
}
