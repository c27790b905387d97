package lineprotocol

import (
	"testing"

	"github.com/friesr/pi5-ptp/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRecord(t *testing.T, b *models.Builder) models.Record {
	t.Helper()
	rec, err := b.Build()
	require.NoError(t, err)
	return rec
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		rec  *models.Builder
		want string
	}{
		{
			name: "tpv fix",
			rec: models.NewBuilder("gnss").
				Tag("mode", models.Int(3)).
				Field("lat", models.Float(51.5)).
				Field("lon", models.Float(-0.125)).
				Field("alt", models.Float(12)).
				Time(models.At(1700000000000000000)),
			want: "gnss,mode=3 lat=51.5,lon=-0.125,alt=12.0 1700000000000000000",
		},
		{
			name: "no timestamp",
			rec:  models.NewBuilder("chrony").Field("stratum", models.Int(1)),
			want: "chrony stratum=1",
		},
		{
			name: "bool values",
			rec: models.NewBuilder("gnss_sky").
				Tag("used", models.Bool(true)).
				Field("healthy", models.Bool(false)),
			want: "gnss_sky,used=true healthy=false",
		},
		{
			name: "escaping",
			rec: models.NewBuilder("my measurement,x").
				Tag("host name", models.String("pi=5,a b")).
				Field("k=v", models.Int(1)),
			want: `my\ measurement\,x,host\ name=pi\=5\,a\ b k\=v=1`,
		},
		{
			name: "trailing backslash",
			rec: models.NewBuilder(`m\`).
				Tag("path", models.String(`C:\`)).
				Field("v", models.Int(1)),
			want: `m\\,path=C:\\ v=1`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(Encode(mustRecord(t, tt.rec))))
		})
	}
}

func TestEncodeIntegerSuffix(t *testing.T) {
	rec := mustRecord(t, models.NewBuilder("gnss_sky").Field("ss", models.Int(42)).Field("el", models.Float(30)))
	assert.Equal(t, "gnss_sky ss=42i,el=30.0", string(Encoder{IntegerSuffix: true}.Encode(rec)))
}

func TestEncodeBatch(t *testing.T) {
	a := mustRecord(t, models.NewBuilder("a").Field("v", models.Int(1)).Time(models.At(1)))
	b := mustRecord(t, models.NewBuilder("b").Field("v", models.Int(2)).Time(models.At(2)))

	assert.Equal(t, "a v=1 1\nb v=2 2", string(EncodeBatch([]models.Record{a, b})))
	assert.Empty(t, EncodeBatch(nil))
}
