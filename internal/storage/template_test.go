package storage

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildPath(t *testing.T) {
	tests := []struct {
		name       string
		template   string
		data       *PathTemplateData
		want       string
		wantErr    bool
		errContain string
	}{
		{
			name:     "default template",
			template: "{{.CapsuleID}}/{{.FileType}}{{.Ext}}",
			data:     &PathTemplateData{CapsuleID: 42, FileType: "wav", Ext: ".wav"},
			want:     "42/wav.wav",
		},
		{
			name:     "named template",
			template: "{{.CapsuleID}}/{{.Name}}{{.Ext}}",
			data:     &PathTemplateData{CapsuleID: 7, Name: "take 3", Ext: ".rpp"},
			want:     "7/take 3.rpp",
		},
		{
			name:       "invalid template syntax",
			template:   "{{.CapsuleID",
			data:       &PathTemplateData{},
			wantErr:    true,
			errContain: "failed to parse template",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildPath(tt.template, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("BuildPath() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr && tt.errContain != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errContain) {
					t.Errorf("BuildPath() error = %v, should contain %v", err, tt.errContain)
				}
				return
			}
			if got != tt.want {
				t.Errorf("BuildPath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildPathTemplateData(t *testing.T) {
	data := BuildPathTemplateData(9, "preview", "https://cdn.example.com/capsules/9/Preview:Mix.mp3?sig=abc")

	if data.CapsuleID != 9 {
		t.Errorf("CapsuleID = %d, want 9", data.CapsuleID)
	}
	if data.Name != "PreviewMix" {
		t.Errorf("Name = %q, want %q", data.Name, "PreviewMix")
	}
	if data.Ext != ".mp3" {
		t.Errorf("Ext = %q, want .mp3", data.Ext)
	}
	if data.FileType != "preview" {
		t.Errorf("FileType = %q, want preview", data.FileType)
	}
}

func TestBuildFullPath(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "cache")

	got, err := BuildFullPath(root, "{{.CapsuleID}}/{{.FileType}}{{.Ext}}", &PathTemplateData{CapsuleID: 1, FileType: "wav", Ext: ".wav"})
	if err != nil {
		t.Fatalf("BuildFullPath() error = %v", err)
	}
	want := filepath.Join(root, "1", "wav.wav")
	if got != want {
		t.Errorf("BuildFullPath() = %q, want %q", got, want)
	}

	if _, err := BuildFullPath(root, "../{{.Name}}", &PathTemplateData{Name: "escape"}); err == nil {
		t.Error("Expected error for path escaping cache dir")
	}

	if _, err := BuildFullPath(root, "{{.Name}}", &PathTemplateData{}); err == nil {
		t.Error("Expected error for empty rendered path")
	}
}

func TestParseExtension(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"wav", ".wav"},
		{".rpp", ".rpp"},
	}

	for _, tt := range tests {
		if got := ParseExtension(tt.input); got != tt.want {
			t.Errorf("ParseExtension(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
