package auth

import "testing"

func TestMatchesResourceAbsentVersusEmpty(t *testing.T) {
	accesses := []Access{
		{Action: "read"},
		{Action: "read", OwnerID: "7", Type: "question", ResourceID: "q1"},
		{Action: "read", Type: "answer"},
		{Action: "read", ResourceID: "a9"},
	}

	cases := []struct {
		name     string
		resource AuthorizedResource
		want     []bool
	}{
		{
			name:     "all absent matches every access",
			resource: AuthorizedResource{},
			want:     []bool{true, true, true, true},
		},
		{
			name:     "empty types matches nothing",
			resource: AuthorizedResource{Types: []string{}},
			want:     []bool{false, false, false, false},
		},
		{
			name:     "empty resource ids matches nothing",
			resource: AuthorizedResource{ResourceIDs: []string{}},
			want:     []bool{false, false, false, false},
		},
		{
			name:     "owner filter requires same owner",
			resource: AuthorizedResource{OwnedByUser: "7"},
			want:     []bool{false, true, false, false},
		},
		{
			name:     "type membership",
			resource: AuthorizedResource{Types: []string{"question", "answer"}},
			want:     []bool{false, true, true, false},
		},
		{
			name:     "id membership",
			resource: AuthorizedResource{ResourceIDs: []string{"a9"}},
			want:     []bool{false, false, false, true},
		},
		{
			name:     "all four must hold",
			resource: AuthorizedResource{OwnedByUser: "7", Types: []string{"question"}, ResourceIDs: []string{"q2"}},
			want:     []bool{false, false, false, false},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for i, access := range accesses {
				if got := MatchesResource(tc.resource, access); got != tc.want[i] {
					t.Fatalf("access %d (%+v): got %v want %v", i, access, got, tc.want[i])
				}
			}
		})
	}
}

func TestMatchesActions(t *testing.T) {
	resource := AuthorizedResource{}
	cases := []struct {
		name    string
		actions []string
		action  string
		want    bool
	}{
		{"absent authorizes all", nil, "anything", true},
		{"listed action", []string{"query", "edit"}, "edit", true},
		{"unlisted action", []string{"query"}, "edit", false},
		{"empty list authorizes none", []string{}, "query", false},
	}
	for _, tc := range cases {
		p := Permission{AuthorizedActions: tc.actions, AuthorizedResource: resource}
		if got := Matches(p, Access{Action: tc.action}); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}
