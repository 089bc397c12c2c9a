package models

import "testing"

func TestUserPassword(t *testing.T) {
	u := &User{Email: "a@example.com"}
	if err := u.SetPassword("correct horse"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if u.PasswordHash == "" || u.PasswordHash == "correct horse" {
		t.Fatalf("password was not hashed: %q", u.PasswordHash)
	}
	if !u.CheckPassword("correct horse") {
		t.Error("CheckPassword rejected the right password")
	}
	if u.CheckPassword("battery staple") {
		t.Error("CheckPassword accepted the wrong password")
	}
}

func TestClothingLayerOrder(t *testing.T) {
	tests := []struct {
		clothingType string
		want         int
	}{
		{"underwear", LayerUnderwear},
		{"Bra", LayerUnderwear},
		{"t-shirt", LayerBase},
		{"jeans", LayerBase},
		{"jacket", LayerOuterwear},
		{"Coat", LayerOuterwear},
		{"hat", LayerAccessory},
		{"sunglasses", LayerAccessory},
		{"", LayerBase},
		{"mystery", LayerBase},
	}
	for _, tt := range tests {
		if got := ClothingLayer(tt.clothingType); got != tt.want {
			t.Errorf("ClothingLayer(%q) = %d, want %d", tt.clothingType, got, tt.want)
		}
	}
}
