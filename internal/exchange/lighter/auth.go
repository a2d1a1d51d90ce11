package lighter

import (
	"crypto/ecdsa"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const authTokenTTL = time.Hour

// Signer holds the secp256k1 API key for one venue account and produces
// auth tokens and transaction signatures. Tokens carry their expiry as the
// first colon-separated field and are refreshed once less than 60 s
// remain.
type Signer struct {
	key          *ecdsa.PrivateKey
	address      common.Address
	accountIndex int64
	apiKeyIndex  int64

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewSigner parses a hex-encoded private key, with or without 0x prefix.
func NewSigner(keyHex string, accountIndex, apiKeyIndex int64) (*Signer, error) {
	keyHex = strings.TrimPrefix(keyHex, "0x")
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{
		key:          key,
		address:      crypto.PubkeyToAddress(key.PublicKey),
		accountIndex: accountIndex,
		apiKeyIndex:  apiKeyIndex,
	}, nil
}

// AccountIndex returns the venue account the signer acts for.
func (s *Signer) AccountIndex() int64 { return s.accountIndex }

// APIKeyIndex returns the API key slot used for signing.
func (s *Signer) APIKeyIndex() int64 { return s.apiKeyIndex }

// Address returns the signer's Ethereum address.
func (s *Signer) Address() common.Address { return s.address }

// AuthToken returns a bearer token valid for at least another 60 s,
// minting a fresh one when the cached token is close to expiry.
func (s *Signer) AuthToken(now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.tokenExpiry.Sub(now) > 60*time.Second {
		return s.token, nil
	}

	expiry := now.Add(authTokenTTL)
	msg := fmt.Sprintf("%d:%d:%d", expiry.Unix(), s.accountIndex, s.apiKeyIndex)
	sig, err := crypto.Sign(crypto.Keccak256([]byte(msg)), s.key)
	if err != nil {
		return "", fmt.Errorf("sign auth token: %w", err)
	}

	s.token = msg + ":" + common.Bytes2Hex(sig)
	s.tokenExpiry = expiry
	return s.token, nil
}

// SignTx signs a serialized transaction payload.
func (s *Signer) SignTx(txInfo []byte) (string, error) {
	sig, err := crypto.Sign(crypto.Keccak256(txInfo), s.key)
	if err != nil {
		return "", fmt.Errorf("sign tx: %w", err)
	}
	return common.Bytes2Hex(sig), nil
}

// TokenExpiry parses the expiry field out of a token. Zero when malformed.
func TokenExpiry(token string) int64 {
	first, _, ok := strings.Cut(token, ":")
	if !ok {
		return 0
	}
	exp, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0
	}
	return exp
}
