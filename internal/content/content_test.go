package content

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const referenceAddress = "1JUDmCT4UCSdnPsJAHBoXNkDS61Y31Ue52"

const referenceManifest = `{
	"address": "1JUDmCT4UCSdnPsJAHBoXNkDS61Y31Ue52",
	"address_index": 36579623,
	"background-color": "white",
	"cloneable": true,
	"cloned_from": "1RedkCkVaXuVXrqCMpoXQS29bwaqsuFdL",
	"description": "Home of the bots",
	"files": {
		"data-default/users/content.json-default": {
			"sha512": "4e37699bd5336b9c33ce86a3eb73b82e87460535793401874a653afeddefee59",
			"size": 735
		},
		"index.html": {
			"sha512": "087c6ae46aacc5661f7da99ce10dacc0428dbd48aa7bbdc1df9c2da6e81b1d93",
			"size": 466
		}
	},
	"ignore": "((js|css)/(?!all.(js|css))|data/.*db|data/users/.*/.*)",
	"includes": {
		"data/users/content.json": {
			"signers": [],
			"signers_required": 1
		}
	},
	"inner_path": "content.json",
	"merged_type": "ZeroMe",
	"modified": 1471656205.079839,
	"postmessage_nonce_security": true,
	"sign": [
		60601328857260736769667767617236149396007806053808183569130735997086722937268,
		43661716327244911082383801335054839207111588960552431293232589470692186442781
	],
	"signers_sign": "HEMH4/a7LXic4PYgMj/4toV5jI5z+SX6Bnmo3mP0HoyIGy6e7rUbilJYAH3MrgCT/IXzIn7cnIlhL8VARh7CeUg=",
	"signs": {
		"1JUDmCT4UCSdnPsJAHBoXNkDS61Y31Ue52": "G5qMkd9+n0FMLm2KA4FAN3cz/vaGY/oSYd2k/edx4C+TIv76NQI37NsjXVWtkckMoxvp6rhW8PHZy9Q1MNtmIAM="
	},
	"signs_required": 1,
	"title": "Bot Hub",
	"zeronet_version": "0.4.0"
}`

const (
	testWIF     = "5KYZdUEo39z3FPrtuX2QbbwGnNP5zTd7yyr2SC1j299sBCnWjss"
	testAddress = "1HZwkjkeaoZfTSaJxDw6aKkxp45agDiEzN"
)

func parseReference(t *testing.T) *Content {
	t.Helper()
	c, err := Parse([]byte(referenceManifest))
	require.NoError(t, err)
	return c
}

func TestVerify_ReferenceManifest(t *testing.T) {
	c := parseReference(t)
	require.True(t, c.Verify(referenceAddress))
	require.False(t, c.Verify(testAddress))
	require.NoError(t, Validate(referenceAddress, "content.json", c, noLookup))
}

func TestParse_KeepsUnknownFields(t *testing.T) {
	c := parseReference(t)
	require.Contains(t, c.Extra, "merged_type")
	require.Contains(t, c.Extra, "background-color")
	require.Contains(t, c.Extra, "sign")
	require.Equal(t, "Bot Hub", c.Title)
	require.Equal(t, int64(466), c.Files["index.html"].Size)
	require.Equal(t, 1, c.Includes["data/users/content.json"].SignersRequired)
}

func TestDump_DropsSignatures(t *testing.T) {
	dump, err := parseReference(t).Dump()
	require.NoError(t, err)
	s := string(dump)
	require.NotContains(t, s, `"signs":`)
	require.NotContains(t, s, `"sign":`)
	require.Contains(t, s, `"signers_sign": "HEMH4`)
	require.Contains(t, s, `"modified": 1471656205.079839`)
	require.True(t, strings.HasPrefix(s, `{"address": "1JUDmCT4UCSdnPsJAHBoXNkDS61Y31Ue52", "address_index": 36579623,`))
}

func TestMarshal_RoundTrip(t *testing.T) {
	c := parseReference(t)
	out, err := c.MarshalJSON()
	require.NoError(t, err)

	again, err := Parse(out)
	require.NoError(t, err)
	require.True(t, again.Verify(referenceAddress))

	d1, err := c.Dump()
	require.NoError(t, err)
	d2, err := again.Dump()
	require.NoError(t, err)
	require.Equal(t, string(d1), string(d2))
}

func TestParse_NullFieldSurvives(t *testing.T) {
	c, err := Parse([]byte(`{"address": "Test", "files": {}, "title": null}`))
	require.NoError(t, err)
	out, err := c.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, `{"address": "Test", "files": {}, "title": null}`, string(out))
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte(`{"files": "nope"}`))
	require.ErrorIs(t, err, ErrDeserialization)

	_, err = Parse([]byte(`not json`))
	require.ErrorIs(t, err, ErrDeserialization)
}

func TestSign_ThenVerify(t *testing.T) {
	c := New(testAddress, "content.json")
	c.Files["index.html"] = File{Sha512: strings.Repeat("a", 64), Size: 10}
	c.Title = "My site"
	c.SetModified(time.Unix(1600000000, 0))
	require.NoError(t, c.AddSign(testWIF))

	require.True(t, c.Verify(testAddress))
	require.NoError(t, Validate(testAddress, "content.json", c, noLookup))

	out, err := c.MarshalJSON()
	require.NoError(t, err)
	parsed, err := Parse(out)
	require.NoError(t, err)
	require.True(t, parsed.Verify(testAddress))

	c.Title = "Tampered"
	require.False(t, c.Verify(testAddress))
}

func TestGetFile(t *testing.T) {
	c := New("Test", "content.json")
	c.Files["a.txt"] = File{Sha512: "aa", Size: 1}
	c.FilesOptional = map[string]File{"b.bin": {Sha512: "bb", Size: 2}}

	f, ok := c.GetFile("a.txt")
	require.True(t, ok)
	require.Equal(t, int64(1), f.Size)
	require.False(t, c.IsOptional("a.txt"))

	f, ok = c.GetFile("b.bin")
	require.True(t, ok)
	require.Equal(t, int64(2), f.Size)
	require.True(t, c.IsOptional("b.bin"))

	_, ok = c.GetFile("missing")
	require.False(t, ok)
}

func TestCheckModified(t *testing.T) {
	now := time.Unix(1700000000, 0)
	prev := New("Test", "content.json")
	prev.SetModified(now.Add(-time.Hour))

	next := New("Test", "content.json")
	next.SetModified(now)
	require.NoError(t, CheckModified(prev, next, now))
	require.NoError(t, CheckModified(nil, next, now))

	require.ErrorIs(t, CheckModified(next, prev, now), ErrNotNewer)
	require.ErrorIs(t, CheckModified(next, next, now), ErrNotNewer)

	future := New("Test", "content.json")
	future.SetModified(now.Add(48 * time.Hour))
	require.ErrorIs(t, CheckModified(prev, future, now), ErrFutureModified)
}

func TestHashID(t *testing.T) {
	id, err := HashID("0a1b2c3d")
	require.NoError(t, err)
	require.Equal(t, uint16(0x0a1b), id)

	_, err = HashID("zz")
	require.Error(t, err)
}

func TestSummary(t *testing.T) {
	s := parseReference(t).Summary()
	require.Equal(t, 2, s.Files)
	require.Equal(t, 1, s.Includes)
	require.Equal(t, "Bot Hub", s.Title)
	require.Equal(t, "0.4.0", s.ZeronetVersion)
	require.InDelta(t, 1471656205.079839, s.Modified, 1e-6)
}

func noLookup(string) (*Content, bool) { return nil, false }
