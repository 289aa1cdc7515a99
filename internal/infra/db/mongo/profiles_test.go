package mongo

import "testing"

func TestProfileDocumentFallsBackToUserID(t *testing.T) {
	p := profileDocument{ID: "u-1", DisplayName: "  "}.toProfile()
	if p.DisplayName != "u-1" || p.UserID != "u-1" {
		t.Fatalf("profile = %+v", p)
	}
	p = profileDocument{ID: "u-2", DisplayName: "Dana", AvatarURL: "https://cdn/x.png"}.toProfile()
	if p.DisplayName != "Dana" || p.AvatarURL != "https://cdn/x.png" {
		t.Fatalf("profile = %+v", p)
	}
}
