package oauthflow

import "testing"

func TestGenerateStateUnique(t *testing.T) {
	t.Parallel()
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		s, err := GenerateState()
		if err != nil {
			t.Fatalf("GenerateState: %v", err)
		}
		if len(s) != 32 {
			t.Fatalf("state length = %d, want 32", len(s))
		}
		if seen[s] {
			t.Fatalf("duplicate state %q", s)
		}
		seen[s] = true
	}
}

func TestParseCallback(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		input     string
		wantCode  string
		wantState string
		wantErr   string
		wantFail  bool
	}{
		{
			name:      "full URL",
			input:     "http://localhost:48710/callback?code=abc123&state=st-1",
			wantCode:  "abc123",
			wantState: "st-1",
		},
		{
			name:      "bare query",
			input:     "code=abc123&state=st-1",
			wantCode:  "abc123",
			wantState: "st-1",
		},
		{
			name:      "fragment parameters",
			input:     "http://localhost:48710/callback#code=abc123&state=st-1",
			wantCode:  "abc123",
			wantState: "st-1",
		},
		{
			name:      "state glued onto code",
			input:     "http://localhost:48710/callback?code=abc123%23st-1",
			wantCode:  "abc123",
			wantState: "st-1",
		},
		{
			name:    "provider error",
			input:   "http://localhost:48710/callback?error=access_denied&error_description=user%20said%20no&state=st-1",
			wantErr: "access_denied",
		},
		{
			name:     "empty input",
			input:    "   ",
			wantFail: true,
		},
		{
			name:     "missing code",
			input:    "http://localhost:48710/callback?state=st-1",
			wantFail: true,
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cb, err := ParseCallback(tc.input)
			if tc.wantFail {
				if err == nil {
					t.Fatalf("ParseCallback(%q) succeeded, want error", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCallback(%q): %v", tc.input, err)
			}
			if cb.Error != tc.wantErr {
				t.Fatalf("Error = %q, want %q", cb.Error, tc.wantErr)
			}
			if tc.wantErr != "" {
				return
			}
			if cb.Code != tc.wantCode || cb.State != tc.wantState {
				t.Fatalf("got code=%q state=%q, want code=%q state=%q", cb.Code, cb.State, tc.wantCode, tc.wantState)
			}
		})
	}
}
