package dto

import (
	"strings"
	"testing"
)

func intPtr(i int) *int { return &i }

func int64Ptr(i int64) *int64 { return &i }

func float64Ptr(f float64) *float64 { return &f }

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{Field: "priority", Message: "must be between 0 and 10"}
	if err.Error() != "priority: must be between 0 and 10" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestToMapAndResponse(t *testing.T) {
	errs := []ValidationError{
		{Field: "capsule_id", Message: "must be a positive integer"},
		{Field: "file_type", Message: "is required"},
	}
	m := ToMap(errs)
	if len(m) != 2 || m["file_type"] != "is required" {
		t.Errorf("ToMap() = %v", m)
	}
	want := "capsule_id: must be a positive integer; file_type: is required"
	if got := ToResponse(errs); got != want {
		t.Errorf("ToResponse() = %q, want %q", got, want)
	}
}

func TestValidateRemoteURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantErrs int
	}{
		{"empty", "", 1},
		{"http", "http://cdn.example.com/a.wav", 0},
		{"https", "https://cdn.example.com/a.wav", 0},
		{"s3", "s3://bucket/capsules/1/a.wav", 0},
		{"relative", "/a.wav", 1},
		{"ftp", "ftp://example.com/a.wav", 1},
		{"garbage", "not a url", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := validateRemoteURL(tt.url)
			if len(errs) != tt.wantErrs {
				t.Errorf("validateRemoteURL(%q) returned %d errors, want %d", tt.url, len(errs), tt.wantErrs)
			}
		})
	}
}

func TestValidateHash(t *testing.T) {
	valid := strings.Repeat("ab", 32)
	tests := []struct {
		name     string
		hash     string
		wantErrs int
	}{
		{"empty", "", 0},
		{"valid lowercase", valid, 0},
		{"valid uppercase", strings.ToUpper(valid), 0},
		{"too short", "abc", 1},
		{"not hex", strings.Repeat("zz", 32), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if errs := validateHash(tt.hash); len(errs) != tt.wantErrs {
				t.Errorf("validateHash() returned %d errors, want %d", len(errs), tt.wantErrs)
			}
		})
	}
}

func TestSubmitTaskRequest_Validate(t *testing.T) {
	tests := []struct {
		name     string
		req      SubmitTaskRequest
		wantErrs int
	}{
		{"valid", SubmitTaskRequest{CapsuleID: 1, FileType: "wav", RemoteURL: "https://cdn/a.wav"}, 0},
		{"valid with priority", SubmitTaskRequest{CapsuleID: 1, FileType: "preview", RemoteURL: "https://cdn/a.mp3", Priority: intPtr(10)}, 0},
		{"everything wrong", SubmitTaskRequest{FileType: "midi", RemoteURL: "nope", Priority: intPtr(11), RemoteSize: -1}, 5},
		{"bad max retries", SubmitTaskRequest{CapsuleID: 1, FileType: "rpp", RemoteURL: "https://cdn/a.rpp", MaxRetries: intPtr(-1)}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.req.Validate()
			if len(errs) != tt.wantErrs {
				t.Errorf("Validate() returned %d errors (%s), want %d", len(errs), ToResponse(errs), tt.wantErrs)
			}
		})
	}
}

func TestSubmitTaskRequest_ToSubmitRequest(t *testing.T) {
	req := SubmitTaskRequest{CapsuleID: 9, FileType: "wav", RemoteURL: "https://cdn/a.wav", Priority: intPtr(7)}
	got := req.ToSubmitRequest()
	if got.CapsuleID != 9 || string(got.FileType) != "wav" || *got.Priority != 7 {
		t.Errorf("ToSubmitRequest() = %+v", got)
	}
}

func TestPurgeRequest(t *testing.T) {
	req := PurgeRequest{}
	opts := req.ToOptions()
	if !opts.KeepPinned {
		t.Error("expected pinned entries to be kept by default")
	}

	req = PurgeRequest{KeepPinned: boolPtr(false), MaxBytesToFree: int64Ptr(100), DryRun: true}
	opts = req.ToOptions()
	if opts.KeepPinned || *opts.MaxBytesToFree != 100 || !opts.DryRun {
		t.Errorf("ToOptions() = %+v", opts)
	}

	req = PurgeRequest{MaxBytesToFree: int64Ptr(-1)}
	if errs := req.Validate(); len(errs) != 1 {
		t.Errorf("expected 1 error, got %d", len(errs))
	}
}

func TestSmartCleanupRequest(t *testing.T) {
	tests := []struct {
		name     string
		req      SmartCleanupRequest
		wantErrs int
	}{
		{"defaults", SmartCleanupRequest{}, 0},
		{"valid", SmartCleanupRequest{TargetUsagePercent: float64Ptr(50), MinAccessCount: intPtr(2)}, 0},
		{"zero target", SmartCleanupRequest{TargetUsagePercent: float64Ptr(0)}, 1},
		{"over 100", SmartCleanupRequest{TargetUsagePercent: float64Ptr(101)}, 1},
		{"min access zero", SmartCleanupRequest{MinAccessCount: intPtr(0)}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if errs := tt.req.Validate(); len(errs) != tt.wantErrs {
				t.Errorf("Validate() returned %d errors, want %d", len(errs), tt.wantErrs)
			}
		})
	}

	opts := (&SmartCleanupRequest{KeepFrequent: boolPtr(false)}).ToOptions()
	if opts.KeepFrequent || opts.TargetUsagePercent != 80 || opts.MinAccessCount != 3 {
		t.Errorf("ToOptions() = %+v", opts)
	}
}

func TestPriorityRequest_Validate(t *testing.T) {
	if errs := (&PriorityRequest{}).Validate(); len(errs) != 1 {
		t.Errorf("missing priority: got %d errors", len(errs))
	}
	if errs := (&PriorityRequest{Priority: intPtr(-1)}).Validate(); len(errs) != 1 {
		t.Errorf("negative priority: got %d errors", len(errs))
	}
	if errs := (&PriorityRequest{Priority: intPtr(0)}).Validate(); len(errs) != 0 {
		t.Errorf("zero priority: got %d errors", len(errs))
	}
}

func TestCacheSettingsRequest(t *testing.T) {
	req := CacheSettingsRequest{MaxSize: strPtr("2GiB")}
	if errs := req.Validate(); len(errs) != 0 {
		t.Fatalf("unexpected errors: %s", ToResponse(errs))
	}
	if got := req.MaxSizeBytes(); got != 2<<30 {
		t.Errorf("MaxSizeBytes() = %d", got)
	}

	if errs := (&CacheSettingsRequest{MaxSize: strPtr("lots")}).Validate(); len(errs) != 1 {
		t.Errorf("expected invalid size error, got %d", len(errs))
	}
	if errs := (&CacheSettingsRequest{}).Validate(); len(errs) != 1 {
		t.Errorf("expected empty request error, got %d", len(errs))
	}

	resp := NewCacheSettingsResponse(10<<30, true)
	if resp.MaxSizeHuman != "10 GiB" {
		t.Errorf("MaxSizeHuman = %q", resp.MaxSizeHuman)
	}
}
