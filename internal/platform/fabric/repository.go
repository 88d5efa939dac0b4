// Package fabric runs the access ledger as Hyperledger Fabric chaincode,
// with the channel world state as its substrate.
package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hyperledger/fabric-chaincode-go/shim"

	"github.com/medvault/medvault/internal/domain/ledger"
)

var errReadOnly = errors.New("write attempted in a read-only view")

// StubRepository implements ledger.Repository over one transaction's stub.
// Writes are staged and flushed to the world state only when the unit of
// work succeeds; the peer then makes them atomic with the transaction.
type StubRepository struct {
	stub shim.ChaincodeStubInterface
}

func NewStubRepository(stub shim.ChaincodeStubInterface) *StubRepository {
	return &StubRepository{stub: stub}
}

func (r *StubRepository) View(ctx context.Context, fn func(ledger.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ledger.NewKVState(stubView{r.stub}, nil))
}

func (r *StubRepository) Update(ctx context.Context, fn func(ledger.Writer) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &stubTx{stub: r.stub, staged: make(map[string][]byte)}
	if err := fn(ledger.NewKVState(tx, tx.emit)); err != nil {
		return err
	}
	return tx.flush()
}

type stubView struct {
	stub shim.ChaincodeStubInterface
}

func (v stubView) Get(key string) ([]byte, error) { return v.stub.GetState(key) }

func (v stubView) Put(string, []byte) error { return errReadOnly }

func (v stubView) Delete(string) error { return errReadOnly }

// stubTx overlays staged writes on the world state; a nil staged value
// marks a deletion.
type stubTx struct {
	stub   shim.ChaincodeStubInterface
	staged map[string][]byte
	event  *ledger.Event
}

func (t *stubTx) Get(key string) ([]byte, error) {
	if v, ok := t.staged[key]; ok {
		return v, nil
	}
	return t.stub.GetState(key)
}

func (t *stubTx) Put(key string, value []byte) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	t.staged[key] = buf
	return nil
}

func (t *stubTx) Delete(key string) error {
	t.staged[key] = nil
	return nil
}

// emit keeps the last event; Fabric delivers one chaincode event per
// transaction.
func (t *stubTx) emit(ev *ledger.Event) error {
	t.event = ev
	return nil
}

func (t *stubTx) flush() error {
	keys := make([]string, 0, len(t.staged))
	for k := range t.staged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := t.staged[k]
		var err error
		if v == nil {
			err = t.stub.DelState(k)
		} else {
			err = t.stub.PutState(k, v)
		}
		if err != nil {
			return fmt.Errorf("write world state: %w", err)
		}
	}

	if t.event == nil {
		return nil
	}
	payload, err := json.Marshal(t.event)
	if err != nil {
		return fmt.Errorf("encode chaincode event: %w", err)
	}
	if err := t.stub.SetEvent(string(t.event.Type), payload); err != nil {
		return fmt.Errorf("set chaincode event: %w", err)
	}
	return nil
}

// TxTime returns the transaction timestamp proposed by the client, which
// every endorser sees identically.
func TxTime(stub shim.ChaincodeStubInterface) (time.Time, error) {
	ts, err := stub.GetTxTimestamp()
	if err != nil {
		return time.Time{}, fmt.Errorf("read tx timestamp: %w", err)
	}
	if ts == nil {
		return time.Time{}, errors.New("transaction has no timestamp")
	}
	return ts.AsTime().UTC(), nil
}
