package fabric

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/domain/ledger"
)

// RecordDTO is the chaincode form of a record.
type RecordDTO struct {
	Patient        string `json:"patient"`
	Uploader       string `json:"uploader"`
	ContentPointer string `json:"content_pointer"`
	CreatedAt      string `json:"created_at"`
	Index          uint64 `json:"index"`
}

// MetadataDTO is the chaincode form of the researcher aggregates.
type MetadataDTO struct {
	TotalRecords   uint64 `json:"total_record_count"`
	UniquePatients uint64 `json:"unique_patient_count"`
}

func toRecordDTO(rec *ledger.Record) *RecordDTO {
	return &RecordDTO{
		Patient:        string(rec.Patient),
		Uploader:       string(rec.Uploader),
		ContentPointer: rec.ContentPointer,
		CreatedAt:      rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		Index:          rec.Index,
	}
}

// VaultContract exposes every ledger operation as a transaction. The caller
// is always the submitting client identity.
type VaultContract struct {
	contractapi.Contract
	logger zerolog.Logger
}

func NewVaultContract(logger zerolog.Logger) *VaultContract {
	c := &VaultContract{logger: logger}
	c.Name = "medvault"
	return c
}

// session binds a Ledger to the transaction's stub and clock.
func (c *VaultContract) session(ctx contractapi.TransactionContextInterface) (*ledger.Ledger, ledger.Principal, error) {
	id, err := ctx.GetClientIdentity().GetID()
	if err != nil {
		return nil, "", fmt.Errorf("read client identity: %w", err)
	}
	stub := ctx.GetStub()
	at, err := TxTime(stub)
	if err != nil {
		return nil, "", err
	}
	l := ledger.NewLedger(NewStubRepository(stub),
		ledger.WithClock(ledger.ClockFunc(func() time.Time { return at })),
		ledger.WithLogger(c.logger.With().Str("tx_id", stub.GetTxID()).Logger()),
	)
	return l, ledger.Principal(id), nil
}

// txError prefixes engine errors with their stable code so clients can
// branch on it.
func txError(err error) error {
	if err == nil {
		return nil
	}
	if code := ledger.ErrorCode(err); code != "" {
		return fmt.Errorf("%s: %w", code, err)
	}
	return err
}

func (c *VaultContract) AssignRole(ctx contractapi.TransactionContextInterface, role string) error {
	l, caller, err := c.session(ctx)
	if err != nil {
		return err
	}
	parsed, err := ledger.ParseRole(role)
	if err != nil {
		return txError(err)
	}
	_, err = l.AssignRole(context.Background(), caller, parsed)
	return txError(err)
}

func (c *VaultContract) GetRole(ctx contractapi.TransactionContextInterface, principal string) (string, error) {
	l, _, err := c.session(ctx)
	if err != nil {
		return "", err
	}
	role, err := l.GetRole(context.Background(), ledger.Principal(principal))
	if err != nil {
		return "", txError(err)
	}
	return role.String(), nil
}

func (c *VaultContract) AddPatientRecord(ctx contractapi.TransactionContextInterface, pointer string) error {
	l, caller, err := c.session(ctx)
	if err != nil {
		return err
	}
	_, err = l.AddPatientRecord(context.Background(), caller, pointer)
	return txError(err)
}

func (c *VaultContract) AddDoctorRecord(ctx contractapi.TransactionContextInterface, patient, pointer string) error {
	l, caller, err := c.session(ctx)
	if err != nil {
		return err
	}
	_, err = l.AddDoctorRecord(context.Background(), caller, ledger.Principal(patient), pointer)
	return txError(err)
}

func (c *VaultContract) AddDiagnosticRecord(ctx contractapi.TransactionContextInterface, patient, pointer string) error {
	l, caller, err := c.session(ctx)
	if err != nil {
		return err
	}
	_, err = l.AddDiagnosticRecord(context.Background(), caller, ledger.Principal(patient), pointer)
	return txError(err)
}

func (c *VaultContract) GrantDoctorAccess(ctx contractapi.TransactionContextInterface, grantee string) error {
	return c.consent(ctx, grantee, (*ledger.Ledger).GrantDoctorAccess)
}

func (c *VaultContract) RevokeDoctorAccess(ctx contractapi.TransactionContextInterface, grantee string) error {
	return c.consent(ctx, grantee, (*ledger.Ledger).RevokeDoctorAccess)
}

func (c *VaultContract) GrantDiagnosticsAccess(ctx contractapi.TransactionContextInterface, grantee string) error {
	return c.consent(ctx, grantee, (*ledger.Ledger).GrantDiagnosticsAccess)
}

func (c *VaultContract) RevokeDiagnosticsAccess(ctx contractapi.TransactionContextInterface, grantee string) error {
	return c.consent(ctx, grantee, (*ledger.Ledger).RevokeDiagnosticsAccess)
}

func (c *VaultContract) consent(ctx contractapi.TransactionContextInterface, grantee string,
	op func(*ledger.Ledger, context.Context, ledger.Principal, ledger.Principal) (*ledger.Event, error)) error {
	l, caller, err := c.session(ctx)
	if err != nil {
		return err
	}
	_, err = op(l, context.Background(), caller, ledger.Principal(grantee))
	return txError(err)
}

func (c *VaultContract) GetRecords(ctx contractapi.TransactionContextInterface, patient string) ([]*RecordDTO, error) {
	l, caller, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	records, err := l.GetRecords(context.Background(), caller, ledger.Principal(patient))
	if err != nil {
		return nil, txError(err)
	}
	out := make([]*RecordDTO, 0, len(records))
	for _, rec := range records {
		out = append(out, toRecordDTO(rec))
	}
	return out, nil
}

func (c *VaultContract) GetMostRecentRecord(ctx contractapi.TransactionContextInterface, patient string) (*RecordDTO, error) {
	l, caller, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := l.GetMostRecentRecord(context.Background(), caller, ledger.Principal(patient))
	if err != nil {
		return nil, txError(err)
	}
	return toRecordDTO(rec), nil
}

func (c *VaultContract) GetRecordCount(ctx contractapi.TransactionContextInterface, patient string) (uint64, error) {
	l, caller, err := c.session(ctx)
	if err != nil {
		return 0, err
	}
	n, err := l.GetRecordCount(context.Background(), caller, ledger.Principal(patient))
	return n, txError(err)
}

func (c *VaultContract) GetAnonymizedMetadata(ctx contractapi.TransactionContextInterface) (*MetadataDTO, error) {
	l, caller, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	md, err := l.GetAnonymizedMetadata(context.Background(), caller)
	if err != nil {
		return nil, txError(err)
	}
	return &MetadataDTO{TotalRecords: md.TotalRecords, UniquePatients: md.UniquePatients}, nil
}
