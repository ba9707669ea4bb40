package capsa

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// consolePair builds a Console over one half of a stream socket pair; the
// other half plays the guest.
func consolePair(t *testing.T) (*Console, *os.File) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	hostSide := os.NewFile(uintptr(fds[0]), "console-host")
	guestSide := os.NewFile(uintptr(fds[1]), "console-guest")

	con, err := NewConsoleFromFile(hostSide)
	if err != nil {
		t.Fatalf("NewConsoleFromFile: %v", err)
	}
	hostSide.Close() // the console holds its own dup
	t.Cleanup(func() {
		con.Close()
		guestSide.Close()
	})
	return con, guestSide
}

func TestConsole_WaitForDrainsThroughMatch(t *testing.T) {
	con, guest := consolePair(t)

	go guest.Write([]byte("boot noise\n~ # leftover"))

	out, err := con.WaitFor("~ # ", 5*time.Second)
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if string(out) != "boot noise\n~ # " {
		t.Errorf("out = %q", out)
	}

	// The unmatched tail stays buffered.
	rest := con.ReadAvailable()
	if string(rest) != "leftover" {
		t.Errorf("rest = %q, want leftover", rest)
	}
}

func TestConsole_WaitForTimeout(t *testing.T) {
	con, _ := consolePair(t)

	_, err := con.WaitFor("never", 50*time.Millisecond)
	var pnf *PatternNotFoundError
	if !errors.As(err, &pnf) {
		t.Fatalf("err = %v, want PatternNotFoundError", err)
	}
	if pnf.Pattern != "never" {
		t.Errorf("pattern = %q", pnf.Pattern)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("pattern-not-found should match the timeout kind")
	}
}

func TestConsole_WaitForAny(t *testing.T) {
	con, guest := consolePair(t)

	go guest.Write([]byte("$ "))

	out, err := con.WaitForAny([]string{"# ", "$ "}, 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForAny: %v", err)
	}
	if string(out) != "$ " {
		t.Errorf("out = %q", out)
	}
}

func TestConsole_WriteLine(t *testing.T) {
	con, guest := consolePair(t)

	if err := con.WriteLine("uname -s"); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	line, err := bufio.NewReader(guest).ReadString('\n')
	if err != nil {
		t.Fatalf("guest read: %v", err)
	}
	if line != "uname -s\n" {
		t.Errorf("guest saw %q", line)
	}
}

// Loopback round-trip: what goes out the guest side comes back through
// WaitForLine byte for byte.
func TestConsole_WaitForLineRoundTrip(t *testing.T) {
	con, guest := consolePair(t)

	go guest.Write([]byte("the quick brown fox\n"))

	line, err := con.WaitForLine(5 * time.Second)
	if err != nil {
		t.Fatalf("WaitForLine: %v", err)
	}
	if string(line) != "the quick brown fox\n" {
		t.Errorf("line = %q", line)
	}
}

func TestConsole_ZeroByteWriteIsNoop(t *testing.T) {
	con, _ := consolePair(t)
	n, err := con.Write(nil)
	if n != 0 || err != nil {
		t.Errorf("Write(nil) = %d, %v", n, err)
	}
}

// A simulated shell: echoes the command line, prints output, runs the
// trailing printf. Exec must return only the output between echo and
// marker even though the echoed line contains the marker text.
func TestConsole_ExecMarkerIgnoresEcho(t *testing.T) {
	con, guest := consolePair(t)

	go func() {
		reader := bufio.NewReader(guest)
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSuffix(line, "\n")
		// Echo, as a raw tty would.
		fmt.Fprintf(guest, "%s\r\n", line)
		// Command output, then the printf-built marker line.
		marker := line[strings.Index(line, "'X=")+1:]
		marker = strings.Trim(marker, "'")
		fmt.Fprintf(guest, "Linux\n\n%s\n", marker)
	}()

	out, err := con.Exec("uname -s", 5*time.Second)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if string(out) != "Linux\n" {
		t.Errorf("Exec output = %q, want Linux\\n", out)
	}
}

func TestConsole_ExecMarkersAreUnique(t *testing.T) {
	con, guest := consolePair(t)

	seen := make(chan string, 2)
	go func() {
		reader := bufio.NewReader(guest)
		for i := 0; i < 2; i++ {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			idx := strings.Index(line, "'X=")
			marker := strings.Trim(line[idx+1:len(line)-1], "'")
			seen <- marker
			fmt.Fprintf(guest, "ok\n\n%s\n", marker)
		}
	}()

	if _, err := con.Exec("true", 5*time.Second); err != nil {
		t.Fatalf("first Exec: %v", err)
	}
	if _, err := con.Exec("true", 5*time.Second); err != nil {
		t.Fatalf("second Exec: %v", err)
	}
	m1, m2 := <-seen, <-seen
	if m1 == m2 {
		t.Errorf("markers not unique: %q", m1)
	}
}

func TestConsole_Login(t *testing.T) {
	con, guest := consolePair(t)

	go func() {
		guest.Write([]byte("capsa login:"))
		reader := bufio.NewReader(guest)
		user, _ := reader.ReadString('\n')
		if strings.TrimSpace(user) != "root" {
			return
		}
		guest.Write([]byte("Password:"))
		pass, _ := reader.ReadString('\n')
		if strings.TrimSpace(pass) == "secret" {
			guest.Write([]byte("~ # "))
		}
	}()

	if err := con.Login("root", "secret", 5*time.Second); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := con.WaitFor("~ # ", 5*time.Second); err != nil {
		t.Fatalf("prompt after login: %v", err)
	}
}
