package crypto

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testWIF     = "5KYZdUEo39z3FPrtuX2QbbwGnNP5zTd7yyr2SC1j299sBCnWjss"
	testAddress = "1HZwkjkeaoZfTSaJxDw6aKkxp45agDiEzN"
	testSig     = "G+Hnv6dXxOAmtCj8MwQrOh5m5bV9QrmQi7DSGKiRGm9TWqWP3c5uYxUI/C/c+m9+LtYO26GbVnvuwu7hVPpUdow="
)

func TestMsgHash_Vector(t *testing.T) {
	got := hex.EncodeToString(MsgHash([]byte("Testmessage")))
	require.Equal(t, "fa4c243fbcf63952d2be831e5015c274ca1d668514cd220bd7b1ff94a6826ba1", got)
}

func TestCompactSize(t *testing.T) {
	require.Equal(t, []byte{0x00}, compactSize(0))
	require.Equal(t, []byte{0xfc}, compactSize(0xfc))
	require.Equal(t, []byte{0xfd, 0xfd, 0x00}, compactSize(0xfd))
	require.Equal(t, []byte{0xfd, 0xff, 0xff}, compactSize(0xffff))
	require.Equal(t, []byte{0xfe, 0x00, 0x00, 0x01, 0x00}, compactSize(0x10000))
	require.Len(t, compactSize(1<<33), 9)
}

func TestVerify_RecoveryVector(t *testing.T) {
	require.NoError(t, Verify([]byte("Testmessage"), testAddress, testSig))
}

func TestPrivateKeyAddress(t *testing.T) {
	addr, err := PrivateKeyAddress(testWIF)
	require.NoError(t, err)
	require.Equal(t, testAddress, addr)
}

func TestSign_ThenVerify(t *testing.T) {
	sig, err := Sign([]byte("Testmessage"), testWIF)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)
	require.Len(t, raw, 65)
	require.GreaterOrEqual(t, raw[0], byte(27))
	require.LessOrEqual(t, raw[0], byte(30))

	require.NoError(t, Verify([]byte("Testmessage"), testAddress, sig))
}

func TestVerify_WrongAddress(t *testing.T) {
	err := Verify([]byte("Testmessage"), "1JUDmCT4UCSdnPsJAHBoXNkDS61Y31Ue52", testSig)
	var mismatch *AddressMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, testAddress, mismatch.Derived)
	require.True(t, errors.Is(err, ErrAddressMismatch))
}

func TestVerify_TamperedMessage(t *testing.T) {
	err := Verify([]byte("Testmessage!"), testAddress, testSig)
	require.Error(t, err)
}

func TestVerify_MalformedSignatures(t *testing.T) {
	err := Verify([]byte("x"), testAddress, "not base64!!")
	require.ErrorIs(t, err, ErrDecodeSignature)

	err = Verify([]byte("x"), testAddress, base64.StdEncoding.EncodeToString(make([]byte, 10)))
	require.ErrorIs(t, err, ErrDecodeSignature)

	short := make([]byte, 65)
	short[0] = 5
	err = Verify([]byte("x"), testAddress, base64.StdEncoding.EncodeToString(short))
	require.ErrorIs(t, err, ErrRecoveryID)
}

func TestVerifyAny(t *testing.T) {
	got, err := VerifyAny([]byte("Testmessage"), []string{"1JUDmCT4UCSdnPsJAHBoXNkDS61Y31Ue52", testAddress}, testSig)
	require.NoError(t, err)
	require.Equal(t, testAddress, got)

	_, err = VerifyAny([]byte("Testmessage"), []string{"1JUDmCT4UCSdnPsJAHBoXNkDS61Y31Ue52"}, testSig)
	require.ErrorIs(t, err, ErrAddressMismatch)
}

func TestDecodeWIF_Invalid(t *testing.T) {
	_, err := DecodeWIF("5KYZdUEo39z3FPrtuX2QbbwGnNP5zTd7yyr2SC1j299sBCnWjsx")
	require.ErrorIs(t, err, ErrPrivateKey)

	_, err = DecodeWIF(testAddress)
	require.ErrorIs(t, err, ErrPrivateKey)

	_, err = Sign([]byte("m"), "garbage")
	require.ErrorIs(t, err, ErrPrivateKey)
}

func TestNewPrivateKey_RoundTrip(t *testing.T) {
	wif, addr, err := NewPrivateKey()
	require.NoError(t, err)

	derived, err := PrivateKeyAddress(wif)
	require.NoError(t, err)
	require.Equal(t, addr, derived)

	sig, err := Sign([]byte("hello"), wif)
	require.NoError(t, err)
	require.NoError(t, Verify([]byte("hello"), addr, sig))
}
