package transport

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fluxline/intent-settler/pkg/common/constant"
	"github.com/fluxline/intent-settler/pkg/token"
)

type routeKey struct {
	dest   uint64
	origin uint64
	asset  common.Address
}

// fabricState is the wiring shared by the loopback and NATS fabrics:
// which book backs each chain, who receives deliveries, and how an origin
// asset maps to a local one at each destination.
type fabricState struct {
	mu         sync.RWMutex
	books      map[uint64]token.Book
	recipients map[uint64]map[string]registered
	routes     map[routeKey]common.Address
}

type registered struct {
	addr common.Address
	r    Recipient
}

func newFabricState() fabricState {
	return fabricState{
		books:      make(map[uint64]token.Book),
		recipients: make(map[uint64]map[string]registered),
		routes:     make(map[routeKey]common.Address),
	}
}

func (s *fabricState) attachBook(chainID uint64, book token.Book) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[chainID] = book
}

func (s *fabricState) register(chainID uint64, addr common.Address, r Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byAddr, ok := s.recipients[chainID]
	if !ok {
		byAddr = make(map[string]registered)
		s.recipients[chainID] = byAddr
	}
	byAddr[addrKey(addr.Bytes())] = registered{addr: addr, r: r}
}

func (s *fabricState) addRoute(dest, origin uint64, originAsset, localAsset common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[routeKey{dest: dest, origin: origin, asset: originAsset}] = localAsset
}

func (s *fabricState) book(chainID uint64) (token.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[chainID]
	if !ok {
		return nil, fmt.Errorf("no book attached for chain %d: %w", chainID, ErrUnroutable)
	}
	return b, nil
}

func (s *fabricState) recipient(chainID uint64, address []byte) (registered, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byAddr, ok := s.recipients[chainID]
	if ok {
		if reg, ok := byAddr[addrKey(address)]; ok {
			return reg, nil
		}
	}
	return registered{}, fmt.Errorf("no recipient %x on chain %d: %w", address, chainID, ErrUnroutable)
}

func (s *fabricState) route(dest, origin uint64, originAsset common.Address) (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	local, ok := s.routes[routeKey{dest: dest, origin: origin, asset: originAsset}]
	if !ok {
		return common.Address{}, fmt.Errorf("no route to chain %d for asset %s from chain %d: %w",
			dest, originAsset.Hex(), origin, ErrUnroutable)
	}
	return local, nil
}

// withdraw pulls amount from the sender into the transport's module
// account and burns it. The sender must have approved the module account
// beforehand.
func (s *fabricState) withdraw(origin uint64, sender, asset common.Address, amount *big.Int) error {
	book, err := s.book(origin)
	if err != nil {
		return err
	}
	acct := token.ModuleAccount(origin, constant.ModuleTransport)
	if err := book.TransferFrom(asset, acct, sender, acct, amount); err != nil {
		return fmt.Errorf("pull %s from sender: %w", asset.Hex(), err)
	}
	if err := book.Burn(asset, acct, amount); err != nil {
		return fmt.Errorf("burn withdrawn funds: %w", err)
	}
	return nil
}

// refund mints amount of asset back at the origin book.
func (s *fabricState) refund(origin uint64, to, asset common.Address, amount *big.Int) error {
	book, err := s.book(origin)
	if err != nil {
		return err
	}
	if err := book.Mint(asset, to, amount); err != nil {
		return fmt.Errorf("mint refund: %w", err)
	}
	return nil
}

func addrKey(address []byte) string {
	return strings.ToLower(common.Bytes2Hex(address))
}
