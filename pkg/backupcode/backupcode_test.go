package backupcode_test

import (
	"testing"

	"github.com/propstake/propstake/pkg/backupcode"
	"github.com/stretchr/testify/require"
)

func TestGenerateProducesUniqueWellFormedCodes(t *testing.T) {
	t.Parallel()

	codes, err := backupcode.Generate()
	require.NoError(t, err)
	require.Len(t, codes, backupcode.DefaultCount)

	seen := make(map[string]struct{})
	for _, code := range codes {
		require.Len(t, code, backupcode.CodeLength)
		require.Regexp(t, `^[A-Z0-9]+$`, code)

		_, dup := seen[code]
		require.False(t, dup, "duplicate code %s", code)
		seen[code] = struct{}{}
	}
}

func TestGenerateNRejectsNonPositiveCount(t *testing.T) {
	t.Parallel()

	_, err := backupcode.GenerateN(0)
	require.Error(t, err)
	_, err = backupcode.GenerateN(-3)
	require.Error(t, err)
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	require.Equal(t, "AB12CD34EF", backupcode.Normalize("ab12cd34ef"))
	require.Equal(t, "AB12CD34EF", backupcode.Normalize("  AB12-CD34 EF "))
	require.Equal(t, "", backupcode.Normalize("   "))
}

func TestRedeemRemovesExactlyOneCode(t *testing.T) {
	t.Parallel()

	set := []string{"AAAA", "BBBB", "CCCC"}

	rest, ok := backupcode.Redeem(set, "bbbb")
	require.True(t, ok)
	require.Equal(t, []string{"AAAA", "CCCC"}, rest)

	// The input set is untouched.
	require.Equal(t, []string{"AAAA", "BBBB", "CCCC"}, set)

	// A redeemed code can never be redeemed again.
	rest2, ok := backupcode.Redeem(rest, "BBBB")
	require.False(t, ok)
	require.Equal(t, []string{"AAAA", "CCCC"}, rest2)
}

func TestRedeemUnknownCodeFails(t *testing.T) {
	t.Parallel()

	rest, ok := backupcode.Redeem([]string{"AAAA"}, "ZZZZ")
	require.False(t, ok)
	require.Equal(t, []string{"AAAA"}, rest)
}
