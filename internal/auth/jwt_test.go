package auth

import (
	"testing"
	"time"
)

func TestIssueParseRoundTrip(t *testing.T) {
	pair, err := Issue("E1", RoleStudent, "hw-abc", "classattend", "secret", time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("empty tokens issued")
	}

	claims, err := Parse(pair.AccessToken, "secret", "classattend")
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "E1" || claims.Role != RoleStudent || claims.HardwareID != "hw-abc" {
		t.Errorf("claims = %+v", claims)
	}

	// Refresh token carries the same identity.
	claims, err = Parse(pair.RefreshToken, "secret", "classattend")
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "E1" {
		t.Errorf("refresh subject = %q", claims.Subject)
	}
}

func TestParseRejectsWrongKey(t *testing.T) {
	pair, err := Issue("fac1", RoleFaculty, "", "classattend", "secret", time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Parse(pair.AccessToken, "other", "classattend"); err == nil {
		t.Fatal("wrong key accepted")
	}
}

func TestParseRejectsIssuerMismatch(t *testing.T) {
	pair, err := Issue("fac1", RoleFaculty, "", "someone-else", "secret", time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Parse(pair.AccessToken, "secret", "classattend"); err == nil {
		t.Fatal("issuer mismatch accepted")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	pair, err := Issue("E1", RoleStudent, "", "classattend", "secret", -time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Parse(pair.AccessToken, "secret", "classattend"); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestFacultyTokenOmitsHardwareClaim(t *testing.T) {
	pair, err := Issue("fac1", RoleFaculty, "", "classattend", "secret", time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := Parse(pair.AccessToken, "secret", "classattend")
	if err != nil {
		t.Fatal(err)
	}
	if claims.HardwareID != "" {
		t.Errorf("hardware claim = %q", claims.HardwareID)
	}
}
