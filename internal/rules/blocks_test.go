package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/offerpath/dispatch/internal/models"
)

func TestBlocked(t *testing.T) {
	ctx := usContext()

	tests := []struct {
		name   string
		blocks *models.BlockSet
		want   bool
		reason string
	}{
		{"nil blocks", nil, false, ""},
		{"ip cidr", &models.BlockSet{IPs: models.StringList{"1.2.3.0/24"}}, true, "ip"},
		{"org glob", &models.BlockSet{Orgs: models.StringList{"*comcast*"}}, true, "org"},
		{"hostname", &models.BlockSet{Hostnames: models.StringList{"*.example.com"}}, true, "hostname"},
		{"country exact", &models.BlockSet{Countries: models.StringList{"us"}}, true, "country"},
		{"country is not a pattern", &models.BlockSet{Countries: models.StringList{"U*"}}, false, ""},
		{"device", &models.BlockSet{Devices: models.StringList{"Mobile"}}, true, "device"},
		{"browser glob", &models.BlockSet{Browsers: models.StringList{"chrom*"}}, true, "browser"},
		{"no match", &models.BlockSet{Cities: models.StringList{"Berlin"}}, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := Blocked(tt.blocks, ctx)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.reason, reason)
		})
	}
}
