package origin

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in         string
		normalized string
		host       string
		ok         bool
	}{
		{"https://app.example.com", "https://app.example.com", "app.example.com", true},
		{"  https://App.Example.com  ", "https://app.example.com", "app.example.com", true},
		{"https://app.example.com:443", "https://app.example.com", "app.example.com", true},
		{"http://app.example.com:80", "http://app.example.com", "app.example.com", true},
		{"http://app.example.com:8080", "http://app.example.com:8080", "app.example.com:8080", true},
		{"https://[::1]:8443", "https://[::1]:8443", "[::1]:8443", true},
		{"null", "null", "", true},
		{"", "", "", false},
		{"app.example.com", "", "", false},
		{"ftp://app.example.com", "", "", false},
		{"https://user@app.example.com", "", "", false},
		{"https://app.example.com/path", "", "", false},
		{"https://app.example.com?q=1", "", "", false},
		{"https://app.example.com:0", "", "", false},
		{"https://app.example.com:99999", "", "", false},
		{"https://::1:8443", "", "", false},
	}
	for _, c := range cases {
		normalized, host, ok := Normalize(c.in)
		if ok != c.ok || normalized != c.normalized || host != c.host {
			t.Errorf("Normalize(%q) = (%q, %q, %v), want (%q, %q, %v)",
				c.in, normalized, host, ok, c.normalized, c.host, c.ok)
		}
	}
}

func TestAllowed_Allowlist(t *testing.T) {
	allowlist := []string{"https://app.example.com"}
	if !Allowed("https://app.example.com", "app.example.com", "relay.internal", allowlist) {
		t.Fatalf("listed origin rejected")
	}
	if Allowed("https://evil.example.com", "evil.example.com", "relay.internal", allowlist) {
		t.Fatalf("unlisted origin accepted")
	}
	if !Allowed("https://anything.example.com", "anything.example.com", "relay.internal", []string{"*"}) {
		t.Fatalf("wildcard allowlist rejected an origin")
	}
	if Allowed("null", "", "relay.internal", allowlist) {
		t.Fatalf("null origin accepted against an allowlist")
	}
}

func TestAllowed_SameHostDefault(t *testing.T) {
	if !Allowed("https://relay.example.com", "relay.example.com", "relay.example.com", nil) {
		t.Fatalf("same host rejected")
	}
	if !Allowed("https://relay.example.com", "relay.example.com", "relay.example.com:443", nil) {
		t.Fatalf("default port on request host not stripped")
	}
	if Allowed("https://other.example.com", "other.example.com", "relay.example.com", nil) {
		t.Fatalf("cross-host origin accepted")
	}
	if Allowed("null", "", "relay.example.com", nil) {
		t.Fatalf("null origin accepted by the same-host policy")
	}
}
