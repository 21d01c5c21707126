package influx

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/gominer/pkg/errors"
)

var at = time.Unix(1_700_000_000, 0)

func lineProtocol(p *write.Point) string {
	return write.PointToLineProtocol(p, time.Second)
}

func TestPoints(t *testing.T) {
	tests := []struct {
		name  string
		point *write.Point
		want  []string
	}{
		{
			name:  "hashrate",
			point: hashratePoint("cpuminer", 1234.5, 5000, 2, 1, 8, at),
			want: []string{
				"hashrate,service=cpuminer ",
				"hashrate=1234.5",
				"hashes_tried=5000i",
				"blocks_accepted=1i",
				"threads=8i",
				" 1700000000",
			},
		},
		{
			name:  "submission",
			point: submissionPoint("cpuminer", "00ab", 101, "rejected", 1500*time.Microsecond, at),
			want: []string{
				"submissions,service=cpuminer,status=rejected ",
				`block_hash="00ab"`,
				"height=101i",
				"latency_ms=1.5",
				"count=1i",
			},
		},
		{
			name:  "work",
			point: workPoint("cpuminer", 7, 101, 3, at),
			want: []string{
				"work,height=101,service=cpuminer ",
				"work_id=7i",
				"tx_count=3i",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := lineProtocol(tt.point)
			for _, want := range tt.want {
				if !strings.Contains(line, want) {
					t.Errorf("line %q missing %q", line, want)
				}
			}
		})
	}
}

func TestNewClient_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewClient(ctx, &Config{
		URL:     "http://127.0.0.1:1",
		Org:     "gominer",
		Bucket:  "mining",
		Service: "cpuminer",
	})
	if !errors.IsType(err, errors.ErrorTypeStorage) {
		t.Errorf("NewClient() = %v, want storage error", err)
	}
}
