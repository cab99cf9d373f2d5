package exchange

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"polymarket-bookwatch/internal/config"
	"polymarket-bookwatch/pkg/types"
)

// errNoWallet is returned by L1Headers when no private key is configured.
var errNoWallet = errors.New("no wallet private key configured")

// Credentials holds the L2 API key triplet returned by /auth/derive-api-key.
// The market channel subscription carries it as its auth block.
type Credentials struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Complete reports whether all three fields are set.
func (c Credentials) Complete() bool {
	return c.ApiKey != "" && c.Secret != "" && c.Passphrase != ""
}

// WSAuth returns the subscription auth block.
func (c Credentials) WSAuth() *types.WSAuth {
	return &types.WSAuth{
		ApiKey:     c.ApiKey,
		Secret:     c.Secret,
		Passphrase: c.Passphrase,
	}
}

// CredentialSource supplies stream credentials. ok is false until a complete
// triplet is available; callers poll rather than block.
type CredentialSource interface {
	Credentials() (Credentials, bool)
}

// Auth holds the stream credentials and, when a wallet is configured, signs
// the L1 (EIP-712) "ClobAuth" message used once to derive them.
//
// Credentials may be set after construction by a background derivation, so
// all access to creds goes through mu.
type Auth struct {
	privateKey *ecdsa.PrivateKey // nil when only API credentials are configured
	address    common.Address
	chainID    *big.Int // Polygon chain ID (137 mainnet, 80002 amoy)

	mu    sync.RWMutex
	creds Credentials
}

// NewAuth creates an Auth instance from config. The wallet key is optional
// when the API credential triplet is configured directly.
func NewAuth(cfg config.Config) (*Auth, error) {
	a := &Auth{
		chainID: big.NewInt(int64(cfg.Wallet.ChainID)),
		creds: Credentials{
			ApiKey:     cfg.API.ApiKey,
			Secret:     cfg.API.Secret,
			Passphrase: cfg.API.Passphrase,
		},
	}

	if cfg.Wallet.PrivateKey == "" {
		return a, nil
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Wallet.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	a.privateKey = privateKey
	a.address = crypto.PubkeyToAddress(privateKey.PublicKey)
	return a, nil
}

// Address returns the signer's Ethereum address (zero without a wallet).
func (a *Auth) Address() common.Address {
	return a.address
}

// CanDerive reports whether L1 signing is possible.
func (a *Auth) CanDerive() bool {
	return a.privateKey != nil
}

// Credentials implements CredentialSource.
func (a *Auth) Credentials() (Credentials, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.creds, a.creds.Complete()
}

// SetCredentials sets the L2 API credentials (after deriving them via L1).
func (a *Auth) SetCredentials(creds Credentials) {
	a.mu.Lock()
	a.creds = creds
	a.mu.Unlock()
}

// L1Headers generates headers for L1-authenticated endpoints (key management).
func (a *Auth) L1Headers(nonce int) (map[string]string, error) {
	if a.privateKey == nil {
		return nil, errNoWallet
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := a.signClobAuth(timestamp, nonce)
	if err != nil {
		return nil, fmt.Errorf("sign clob auth: %w", err)
	}

	return map[string]string{
		"POLY_ADDRESS":   a.address.Hex(),
		"POLY_SIGNATURE": sig,
		"POLY_TIMESTAMP": timestamp,
		"POLY_NONCE":     strconv.Itoa(nonce),
	}, nil
}

// signClobAuth produces an EIP-712 signature for L1 authentication.
func (a *Auth) signClobAuth(timestamp string, nonce int) (string, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		PrimaryType: "ClobAuth",
		Domain: apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(a.chainID)),
		},
		Message: apitypes.TypedDataMessage{
			"address":   a.address.Hex(),
			"timestamp": timestamp,
			"nonce":     fmt.Sprintf("%d", nonce),
			"message":   "This message attests that I control the given wallet",
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, a.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign typed data: %w", err)
	}

	// Adjust V to 27/28.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + common.Bytes2Hex(sig), nil
}
