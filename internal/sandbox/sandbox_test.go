package sandbox

import (
	"testing"
)

func TestShellJoinQuotesSpecialCharacters(t *testing.T) {
	cases := []struct {
		argv []string
		want string
	}{
		{[]string{"echo", "hello"}, "echo hello"},
		{[]string{"echo", "hello world"}, "echo 'hello world'"},
		{[]string{"echo", "it's"}, "echo 'it'\\''s'"},
		{[]string{"./test.sh"}, "./test.sh"},
		{[]string{"cmd", ""}, "cmd ''"},
	}

	for _, c := range cases {
		got := shellJoin(c.argv)
		if got != c.want {
			t.Errorf("shellJoin(%v) = %q, want %q", c.argv, got, c.want)
		}
	}
}

func TestLoginShellCommandPrecedence(t *testing.T) {
	initReq := RunRequest{Init: "/dev/shm/init.sh", Exec: []string{"echo", "hi"}}
	if got := loginShellCommand(initReq, "/dev/shm/init.sh"); len(got) != 1 || got[0] != "/dev/shm/init.sh" {
		t.Errorf("loginShellCommand with Init set = %v, want init path", got)
	}

	execReq := RunRequest{Exec: []string{"echo", "hi"}}
	if got := loginShellCommand(execReq, ""); len(got) != 1 || got[0] != "echo hi" {
		t.Errorf("loginShellCommand with Exec set = %v, want shell-joined exec", got)
	}

	interactiveReq := RunRequest{}
	if got := loginShellCommand(interactiveReq, ""); got != nil {
		t.Errorf("loginShellCommand with neither set = %v, want nil (interactive)", got)
	}
}

func TestExitErrorMessage(t *testing.T) {
	err := &ExitError{Name: "myenv", ExitCode: 7}

	want := "sandbox: myenv exited with status 7"
	if err.Error() != want {
		t.Errorf("ExitError.Error() = %q, want %q", err.Error(), want)
	}
}

func TestHumanBytes(t *testing.T) {
	cases := map[int64]string{
		0:          "0B",
		1023:       "1023B",
		1024:       "1.0KiB",
		1536:       "1.5KiB",
		1 << 20:    "1.0MiB",
		5 * 1 << 20: "5.0MiB",
	}

	for n, want := range cases {
		if got := humanBytes(n); got != want {
			t.Errorf("humanBytes(%d) = %q, want %q", n, got, want)
		}
	}
}
