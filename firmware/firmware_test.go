// SPDX-License-Identifier: Apache-2.0

package firmware

import (
	"context"
	"errors"
	"testing"
)

type call struct {
	name string
	args []string
}

func recordingRunner(calls *[]call, failOn string) Runner {
	return func(_ context.Context, name string, args ...string) error {
		*calls = append(*calls, call{name: name, args: args})
		if name == failOn {
			return errors.New(name + " failed")
		}
		return nil
	}
}

func staticList(names []string, err error) func(string) ([]string, error) {
	return func(string) ([]string, error) { return names, err }
}

func TestUploadHappyPath(t *testing.T) {
	var calls []call
	u := NewUploaderWith(recordingRunner(&calls, ""), staticList([]string{"INDEX.HTM", "INFO_UF2.TXT"}, nil))

	if err := u.Upload("/dev/sda1", "/mnt/scratch", "fw.uf2"); err != nil {
		t.Fatal(err)
	}

	want := []string{"mount", "cp", "umount"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i, name := range want {
		if calls[i].name != name {
			t.Errorf("call %d = %s, want %s", i, calls[i].name, name)
		}
	}
}

func TestUploadRejectsNonBootloader(t *testing.T) {
	var calls []call
	u := NewUploaderWith(recordingRunner(&calls, ""), staticList([]string{"FOO.TXT"}, nil))

	err := u.Upload("/dev/sda1", "/mnt/scratch", "fw.uf2")
	if !errors.Is(err, ErrNotBootloader) {
		t.Fatalf("err = %v, want ErrNotBootloader", err)
	}

	// Must unmount, must not copy.
	if len(calls) != 2 || calls[0].name != "mount" || calls[1].name != "umount" {
		t.Errorf("calls = %v", calls)
	}
}

func TestUploadUnmountsAfterCopyFailure(t *testing.T) {
	var calls []call
	u := NewUploaderWith(recordingRunner(&calls, "cp"), staticList([]string{"INDEX.HTM", "INFO_UF2.TXT"}, nil))

	if err := u.Upload("/dev/sda1", "/mnt/scratch", "fw.uf2"); err == nil {
		t.Fatal("expected copy failure")
	}
	last := calls[len(calls)-1]
	if last.name != "umount" {
		t.Errorf("partition left mounted; calls = %v", calls)
	}
}

func TestUploadMountFailure(t *testing.T) {
	var calls []call
	u := NewUploaderWith(recordingRunner(&calls, "mount"), staticList(nil, nil))

	err := u.Upload("/dev/sda1", "/mnt/scratch", "fw.uf2")
	if !errors.Is(err, ErrMountFailed) {
		t.Fatalf("err = %v, want ErrMountFailed", err)
	}
	if len(calls) != 1 {
		t.Errorf("nothing should run after a failed mount: %v", calls)
	}
}
