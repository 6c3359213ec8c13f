package blockchain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrNoSigner = errors.New("no admin signer configured")

// Signer 管理员签名账户
type Signer struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

// SignerPool 管理员签名账户池，轮询分配
type SignerPool struct {
	mu      sync.Mutex
	signers []*Signer
	next    int
}

// NewSignerPool 从十六进制私钥列表创建签名池，私钥可带 0x 前缀
func NewSignerPool(hexKeys []string) (*SignerPool, error) {
	if len(hexKeys) == 0 {
		return nil, ErrNoSigner
	}

	signers := make([]*Signer, 0, len(hexKeys))
	for i, raw := range hexKeys {
		hexKey := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
		key, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			return nil, fmt.Errorf("admin key #%d: %w", i, err)
		}
		signers = append(signers, &Signer{
			Key:     key,
			Address: crypto.PubkeyToAddress(key.PublicKey),
		})
	}
	return &SignerPool{signers: signers}, nil
}

// Next 返回下一个签名账户，第 k 次调用返回 k mod N
func (p *SignerPool) Next() *Signer {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.signers[p.next]
	p.next = (p.next + 1) % len(p.signers)
	return s
}

// Len 签名账户数量
func (p *SignerPool) Len() int {
	return len(p.signers)
}

// Addresses 全部签名地址
func (p *SignerPool) Addresses() []common.Address {
	out := make([]common.Address, len(p.signers))
	for i, s := range p.signers {
		out[i] = s.Address
	}
	return out
}
