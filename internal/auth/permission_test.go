package auth

import (
	"encoding/json"
	"testing"
)

func TestParsePermission(t *testing.T) {
	cases := []struct {
		in      string
		want    Permission
		wantErr bool
	}{
		{in: "claims:update", want: Permission{Resource: "claims", Action: ActionUpdate}},
		{in: " Documents:READ ", want: Permission{Resource: "documents", Action: ActionRead}},
		{in: "audit-log:manage", want: Permission{Resource: "audit-log", Action: ActionManage}},
		{in: "claims", wantErr: true},
		{in: "claims:approve", wantErr: true},
		{in: ":read", wantErr: true},
		{in: "9lives:read", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParsePermission(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParsePermission(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParsePermission(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParsePermission(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestPermissionSetAllowsManage(t *testing.T) {
	set := NewPermissionSet(MustPermissions("claims:manage", "reports:read")...)
	for _, a := range []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionManage} {
		if !set.Allows("claims", a) {
			t.Fatalf("claims:manage should allow %s", a)
		}
	}
	if set.Allows("reports", ActionUpdate) {
		t.Fatal("reports:read must not allow update")
	}
	if set.Allows("documents", ActionRead) {
		t.Fatal("unexpected documents grant")
	}
}

func TestPermissionSetJSON(t *testing.T) {
	set := NewPermissionSet(MustPermissions("reports:read", "claims:update")...)
	raw, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back PermissionSet
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(set) {
		t.Fatalf("round trip mismatch: %s", raw)
	}

	var fromStrings PermissionSet
	if err := json.Unmarshal([]byte(`["claims:read", {"resource":"documents","action":"create"}]`), &fromStrings); err != nil {
		t.Fatalf("unmarshal mixed: %v", err)
	}
	if !fromStrings.Allows("claims", ActionRead) || !fromStrings.Allows("documents", ActionCreate) {
		t.Fatalf("mixed form not parsed: %v", fromStrings.List())
	}
	if err := json.Unmarshal([]byte(`["claims:approve"]`), &fromStrings); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestPermissionSetListSorted(t *testing.T) {
	set := NewPermissionSet(MustPermissions("reports:read", "claims:update", "claims:create")...)
	list := set.List()
	got := make([]string, len(list))
	for i, p := range list {
		got[i] = p.String()
	}
	want := []string{"claims:create", "claims:update", "reports:read"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List() = %v, want %v", got, want)
		}
	}
}
