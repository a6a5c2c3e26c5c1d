package limiter

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTable(t *testing.T) {
	table := DefaultTable()
	require.Len(t, table, 5)

	login := table[TypeLogin]
	assert.Equal(t, 10*time.Minute, login.Window)
	assert.Equal(t, 5, login.MaxAttempts)
	assert.Equal(t, 15*time.Minute, login.Lockout)

	assert.Equal(t, AlgorithmTokenBucket, table[TypeAPI].Algorithm)
	assert.Equal(t, AlgorithmFixedWindow, table[TypeUpload].Algorithm)
	assert.Zero(t, table[TypeUpload].Lockout)
}

func TestValidateAndPrepare(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"bad policy", Config{FailurePolicy: "maybe"}, "failure_policy"},
		{"negative backoff", Config{RetryBackoff: -time.Second}, "retry_backoff"},
		{"negative fail-open rate", Config{FailOpenRate: -1}, "fail_open_rate"},
		{"zero max", Config{Types: map[OperationType]TypeConfig{"x": {Window: time.Minute}}}, "max_attempts"},
		{"zero window", Config{Types: map[OperationType]TypeConfig{"x": {MaxAttempts: 1}}}, "window"},
		{"negative lockout", Config{Types: map[OperationType]TypeConfig{"x": {MaxAttempts: 1, Window: time.Minute, Lockout: -1}}}, "lockout"},
		{"unknown algorithm", Config{Types: map[OperationType]TypeConfig{"x": {Algorithm: "leaky", MaxAttempts: 1, Window: time.Minute}}}, "algorithm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.ValidateAndPrepare()
			require.Error(t, err)
			var ce *ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestValidateAndPrepare_Defaults(t *testing.T) {
	cfg := &Config{
		FailOpenRate: 10,
		Types: map[OperationType]TypeConfig{
			"search": {MaxAttempts: 2, Window: time.Second},
		},
	}
	require.NoError(t, cfg.ValidateAndPrepare())
	assert.Equal(t, FailOpen, cfg.FailurePolicy)
	assert.Equal(t, defaultRetryBackoff, cfg.RetryBackoff)
	assert.Equal(t, 11, cfg.FailOpenBurst)
	assert.Equal(t, AlgorithmSlidingWindow, cfg.Types["search"].Algorithm)

	empty := &Config{}
	require.NoError(t, empty.ValidateAndPrepare())
	assert.Len(t, empty.Types, 5)
}

func TestTypeConfig_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(DefaultTable()[TypeLogin])
	require.NoError(t, err)
	assert.JSONEq(t, `{"algorithm":"sliding-window","windowMs":600000,"maxAttempts":5,"lockoutMs":900000}`, string(data))
}

func TestIdentifier_Normalize(t *testing.T) {
	tests := []struct {
		in   Identifier
		want Identifier
	}{
		{Email(" Bob@Example.org "), Email("bob@example.org")},
		{IP("::ffff:192.0.2.10"), IP("192.0.2.10")},
		{IP("2001:DB8::1"), IP("2001:db8::1")},
		{UserID(" 42 "), UserID("42")},
	}
	for _, tt := range tests {
		got, err := tt.in.Normalize()
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	for _, bad := range []Identifier{Email(""), Email("nobody"), IP("localhost"), UserID("   "), {Kind: "phone", Value: "1"}} {
		_, err := bad.Normalize()
		assert.ErrorIs(t, err, ErrInvalidIdentifier, bad)
	}
}

func TestParseIdentifier(t *testing.T) {
	id, err := ParseIdentifier("email:Ann@Example.com")
	require.NoError(t, err)
	assert.Equal(t, Email("ann@example.com"), id)
	assert.Equal(t, "email:ann@example.com", id.String())

	id, err = ParseIdentifier("ip:::1")
	require.NoError(t, err)
	assert.Equal(t, IP("::1"), id)

	_, err = ParseIdentifier("no-separator")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestRecordKey(t *testing.T) {
	assert.Equal(t, "throttle:login:email:a@b.c", recordKey(TypeLogin, Email("a@b.c")))
}

func TestRecord_ExpiresAt(t *testing.T) {
	tc := TypeConfig{Window: 10 * time.Second, MaxAttempts: 10}
	now := time.UnixMilli(1_000_000)

	rec := &Record{Attempts: []int64{now.UnixMilli()}, LockedUntil: now.Add(time.Minute).UnixMilli()}
	assert.True(t, rec.expiresAt(tc).Equal(now.Add(time.Minute)))

	bucket := &Record{Tokens: 7, LastRefillNs: now.UnixNano()}
	assert.True(t, bucket.expiresAt(tc).Equal(now.Add(3*time.Second)))

	full := &Record{Tokens: 10, LastRefillNs: now.UnixNano()}
	assert.True(t, full.expiresAt(tc).IsZero())
}

func TestDecodeRecord(t *testing.T) {
	rec, err := decodeRecord("k", nil)
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = decodeRecord("k", []byte("[]"))
	assert.ErrorIs(t, err, ErrCorruptRecord)

	_, err = decodeRecord("k", []byte(`{"denials":-1}`))
	assert.ErrorIs(t, err, ErrCorruptRecord)

	rec, err = decodeRecord("k", []byte(`{"attempts":[1,2],"lockedUntil":5}`))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, rec.Attempts)
	assert.Equal(t, int64(5), rec.LockedUntil)
}
