package sandbox

import "testing"

func TestConnectionCommandDefaultUser(t *testing.T) {
	got := ConnectionCommand("ns1", "pod1", "app", nil, "")
	want := "kubectl exec -it pod1 -n ns1 -c app -- bash -l"
	if got != want {
		t.Errorf("ConnectionCommand() = %q, want %q", got, want)
	}
}

func TestConnectionCommandWithContextAndUser(t *testing.T) {
	ctx := "my-cluster"
	got := ConnectionCommand("ns1", "pod1", "app", &ctx, "alice")
	want := "kubectl exec -it pod1 -n ns1 -c app --context my-cluster -- su -s /bin/bash -l alice"
	if got != want {
		t.Errorf("ConnectionCommand() = %q, want %q", got, want)
	}
}

func TestVSCodeAttachCommandWithheldOnOverride(t *testing.T) {
	ctx := "my-cluster"
	if got := VSCodeAttachCommand("ns1", "pod1", "app", &ctx, ""); got != "" {
		t.Errorf("VSCodeAttachCommand() = %q, want empty when context is set", got)
	}
	if got := VSCodeAttachCommand("ns1", "pod1", "app", nil, "alice"); got != "" {
		t.Errorf("VSCodeAttachCommand() = %q, want empty when user is set", got)
	}
}

func TestVSCodeAttachCommandPresentByDefault(t *testing.T) {
	got := VSCodeAttachCommand("ns1", "pod1", "app", nil, "")
	if got == "" {
		t.Errorf("VSCodeAttachCommand() = empty, want a hint when no overrides are set")
	}
}
