package validation

import (
	"strings"
	"testing"
)

func TestValidateHTTPURI(t *testing.T) {
	tests := []struct {
		uri     string
		wantErr error
	}{
		{"http://example.com", nil},
		{"https://example.com/base", nil},
		{"", ErrURIEmpty},
		{"tcp://example.com:5560", ErrURIScheme},
		{"http://", ErrURIInvalid},
		{"not a uri", ErrURIScheme},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			if err := ValidateHTTPURI(tt.uri); err != tt.wantErr {
				t.Errorf("ValidateHTTPURI(%q) = %v, want %v", tt.uri, err, tt.wantErr)
			}
		})
	}
}

func TestValidateBusURI(t *testing.T) {
	tests := []struct {
		uri     string
		wantErr error
	}{
		{"tcp://127.0.0.1:5560", nil},
		{"tcp://*:5560", nil},
		{"ipc:///tmp/pub", nil},
		{"inproc://pub", nil},
		{"", ErrURIEmpty},
		{"http://example.com", ErrURIScheme},
		{"tcp://", ErrURIInvalid},
		{"nope", ErrURIInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			if err := ValidateBusURI(tt.uri); err != tt.wantErr {
				t.Errorf("ValidateBusURI(%q) = %v, want %v", tt.uri, err, tt.wantErr)
			}
		})
	}
}

func TestValidateChannel(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		wantErr error
	}{
		{"plain", "room-1", nil},
		{"empty", "", ErrChannelEmpty},
		{"space", "room 1", ErrChannelHasSpaces},
		{"newline", "room\n", ErrChannelHasSpaces},
		{"too long", strings.Repeat("c", 300), ErrChannelTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateChannel(tt.channel); err != tt.wantErr {
				t.Errorf("ValidateChannel = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeBaseURI(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://h/", "http://h"},
		{"http://h", "http://h"},
		{" http://h/base// ", "http://h/base"},
	}

	for _, tt := range tests {
		if got := NormalizeBaseURI(tt.in); got != tt.want {
			t.Errorf("NormalizeBaseURI(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidationErrorsAccumulate(t *testing.T) {
	var errs ValidationErrors

	if errs.HasErrors() {
		t.Error("expected no errors initially")
	}
	if errs.OrNil() != nil {
		t.Error("expected nil for empty collection")
	}

	errs.Add("uri", "is empty")
	errs.AddErr("channel", ErrChannelEmpty)
	errs.AddErr("ok", nil)

	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(errs))
	}
	if !strings.Contains(errs.Error(), "uri: is empty") {
		t.Errorf("unexpected message: %s", errs.Error())
	}
	if !strings.Contains(errs.Error(), "channel: channel is empty") {
		t.Errorf("unexpected message: %s", errs.Error())
	}
}
