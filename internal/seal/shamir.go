package seal

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// Shamir secret sharing over GF(2^8) with the AES reduction polynomial.
// A share is x(1) ‖ y(len(secret)); x is never zero.

var (
	gfExp [510]byte
	gfLog [256]byte
)

func init() {
	x := byte(1)
	for i := 0; i < 255; i++ {
		gfExp[i] = x
		gfLog[x] = byte(i)
		x = gfMulSlow(x, 3)
	}
	for i := 255; i < len(gfExp); i++ {
		gfExp[i] = gfExp[i-255]
	}
}

func gfMulSlow(a, b byte) byte {
	var p byte
	for b > 0 {
		if b&1 == 1 {
			p ^= a
		}
		carry := a & 0x80
		a <<= 1
		if carry != 0 {
			a ^= 0x1b
		}
		b >>= 1
	}
	return p
}

func gfMul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return gfExp[int(gfLog[a])+int(gfLog[b])]
}

func gfDiv(a, b byte) byte {
	if b == 0 {
		panic("seal: division by zero in GF(256)")
	}
	if a == 0 {
		return 0
	}
	return gfExp[(int(gfLog[a])+255-int(gfLog[b]))%255]
}

// splitSecret splits secret into n shares of which any threshold recover it.
func splitSecret(r io.Reader, secret []byte, n, threshold int) ([][]byte, error) {
	if threshold < 1 || threshold > n || n > 255 {
		return nil, fmt.Errorf("seal: invalid threshold %d of %d", threshold, n)
	}
	if len(secret) == 0 {
		return nil, errors.New("seal: empty secret")
	}
	if r == nil {
		r = rand.Reader
	}

	shares := make([][]byte, n)
	for i := range shares {
		shares[i] = make([]byte, 1+len(secret))
		shares[i][0] = byte(i + 1)
	}

	coeffs := make([]byte, threshold)
	for b, s := range secret {
		coeffs[0] = s
		if _, err := io.ReadFull(r, coeffs[1:]); err != nil {
			return nil, fmt.Errorf("seal: share coefficients: %w", err)
		}
		for i := range shares {
			x := shares[i][0]
			// Horner evaluation of the polynomial at x.
			var y byte
			for c := threshold - 1; c >= 0; c-- {
				y = gfMul(y, x) ^ coeffs[c]
			}
			shares[i][1+b] = y
		}
	}
	clear(coeffs)
	return shares, nil
}

// combineShares recovers the secret from at least threshold distinct
// shares. Passing fewer shares yields an unrelated value, not an error.
func combineShares(shares [][]byte) ([]byte, error) {
	if len(shares) == 0 {
		return nil, errors.New("seal: no shares")
	}
	size := len(shares[0])
	if size < 2 {
		return nil, errors.New("seal: share too short")
	}
	seen := make(map[byte]bool, len(shares))
	for _, s := range shares {
		if len(s) != size {
			return nil, errors.New("seal: shares differ in length")
		}
		if s[0] == 0 || seen[s[0]] {
			return nil, fmt.Errorf("seal: invalid or duplicate share x=%d", s[0])
		}
		seen[s[0]] = true
	}

	secret := make([]byte, size-1)
	for i, si := range shares {
		// Lagrange basis polynomial for share i evaluated at zero.
		basis := byte(1)
		for j, sj := range shares {
			if i == j {
				continue
			}
			basis = gfMul(basis, gfDiv(sj[0], sj[0]^si[0]))
		}
		for b := range secret {
			secret[b] ^= gfMul(si[1+b], basis)
		}
	}
	return secret, nil
}
