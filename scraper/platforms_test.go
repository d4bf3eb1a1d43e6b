package scraper

import (
	"errors"
	"testing"

	"pagewatch/pkg/notifier"
)

func TestRegistryLookup(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		siteURL string
		want    string
		wantErr bool
	}{
		{siteURL: "https://boards.greenhouse.io/acme", want: "greenhouse"},
		{siteURL: "https://job-boards.greenhouse.io/acme/jobs", want: "greenhouse"},
		{siteURL: "https://careers.smartrecruiters.com/Acme", want: "smartrecruiters"},
		{siteURL: "https://acme.zohorecruit.com/jobs/Careers", want: "zohorecruit"},
		{siteURL: "https://acme.seamlesshiring.com/", want: "seamlesshiring"},
		{siteURL: "https://example.com/?ref=greenhouse.io", wantErr: true},
		{siteURL: "https://jobs.lever.co/acme", wantErr: true},
		{siteURL: "not a url", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.siteURL, func(t *testing.T) {
			p, err := r.Lookup(tt.siteURL)
			if tt.wantErr {
				if !errors.Is(err, notifier.ErrUnsupportedSite) {
					t.Errorf("Lookup() error = %v, want ErrUnsupportedSite", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Lookup() error = %v", err)
			}
			if p.Name() != tt.want {
				t.Errorf("Lookup() = %s, want %s", p.Name(), tt.want)
			}
		})
	}
}

func TestPlatformCount(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		name    string
		siteURL string
		html    string
		want    int
	}{
		{
			name:    "greenhouse openings",
			siteURL: "https://boards.greenhouse.io/acme",
			html:    `<div class="opening">a</div><div class="opening">b</div><div class="opening">c</div>`,
			want:    3,
		},
		{
			name:    "greenhouse job-post rows",
			siteURL: "https://boards.greenhouse.io/acme",
			html:    `<table><tr class="job-post"><td>a</td></tr><tr class="job-post"><td>b</td></tr></table>`,
			want:    2,
		},
		{
			name:    "smartrecruiters",
			siteURL: "https://careers.smartrecruiters.com/Acme",
			html:    `<ul><li class="opening-job">a</li><li class="opening-job">b</li><li>other</li></ul>`,
			want:    2,
		},
		{
			name:    "zoho job count text",
			siteURL: "https://acme.zohorecruit.com/jobs/Careers",
			html:    `<span class="job-count">20 Jobs</span>`,
			want:    20,
		},
		{
			name:    "zoho fallback rows",
			siteURL: "https://acme.zohorecruit.com/jobs/Careers",
			html: `<table>
				<tr class="jobDetailRow"><td><a class="jobdetail">Engineer</a></td><td>Lagos</td></tr>
				<tr class="jobDetailRow"><td><a class="jobdetail">Analyst</a></td><td>Abuja</td></tr>
			</table>`,
			want: 2,
		},
		{
			name:    "seamlesshiring dropdown",
			siteURL: "https://acme.seamlesshiring.com/",
			html:    `<button id="dropdownMenuButton">Showing 1 to 10 of 42</button>`,
			want:    42,
		},
		{
			name:    "no matching element defaults to zero",
			siteURL: "https://acme.seamlesshiring.com/",
			html:    `<div>No openings</div>`,
			want:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := r.Lookup(tt.siteURL)
			if err != nil {
				t.Fatalf("Lookup() error = %v", err)
			}
			if got := p.Count(mustDoc(t, tt.html)); got != tt.want {
				t.Errorf("Count() = %d, want %d", got, tt.want)
			}
		})
	}
}
