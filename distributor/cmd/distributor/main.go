// The distributor turns a finalized offering snapshot into a sealed,
// auditable distribution document that claim front-ends serve proofs
// from.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	flag "github.com/spf13/pflag"

	"github.com/nenkoz/FairLaunch.io/distributor/pkg/distribution"
	"github.com/nenkoz/FairLaunch.io/launchpad/pkg/allocation"
	"github.com/nenkoz/FairLaunch.io/launchpad/pkg/giveaway"
	"github.com/nenkoz/FairLaunch.io/utils/pkg/logger"
)

// snapshotFile is the JSON input: a frozen offering snapshot with
// decimal-string amounts.
type snapshotFile struct {
	OfferingID            string            `json:"offeringId"`
	MaxAllocation         string            `json:"maxAllocation"`
	TotalDeposited        string            `json:"totalDeposited"`
	TokensForParticipants string            `json:"tokensForParticipants"`
	Deposits              []snapshotDeposit `json:"deposits"`
}

type snapshotDeposit struct {
	Participant string `json:"participant"`
	Amount      string `json:"amount"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	snapshotFlag := flag.String("snapshot", "", "path to an offering snapshot JSON")
	dbFlag := flag.String("db", "", "path to the launchpad sqlite database; alternative to --snapshot")
	offeringFlag := flag.String("offering", "", "offering id to distribute (required with --db)")
	outFlag := flag.String("out", "", "path to write the distribution document; empty writes to stdout")
	keyFlag := flag.String("key", "", "hex-encoded secp256k1 private key for sealing (or set DISTRIBUTOR_KEY env var)")
	flag.Parse()

	log := logger.New(*verboseFlag)

	if envKey := os.Getenv("DISTRIBUTOR_KEY"); envKey != "" && *keyFlag == "" {
		*keyFlag = envKey
	}

	var (
		offeringID string
		snap       allocation.Snapshot
		err        error
	)
	switch {
	case *snapshotFlag != "" && *dbFlag != "":
		return fmt.Errorf("--snapshot and --db are mutually exclusive")
	case *snapshotFlag != "":
		offeringID, snap, err = snapshotFromFile(*snapshotFlag)
	case *dbFlag != "":
		if *offeringFlag == "" {
			return fmt.Errorf("--offering is required with --db")
		}
		offeringID, snap, err = snapshotFromStore(context.Background(), log, *dbFlag, *offeringFlag)
	default:
		return fmt.Errorf("one of --snapshot or --db is required")
	}
	if err != nil {
		return err
	}

	gen, err := distribution.NewGenerator(distribution.GeneratorConfig{Logger: log})
	if err != nil {
		return err
	}
	doc, err := gen.Generate(offeringID, snap)
	if err != nil {
		return fmt.Errorf("generate distribution: %w", err)
	}

	// Re-audit the freshly generated document before anything is
	// published, same check a consumer would run.
	if err := distribution.Audit(doc, snap.TokensForParticipants); err != nil {
		return fmt.Errorf("audit distribution: %w", err)
	}

	if *keyFlag != "" {
		key, err := crypto.HexToECDSA(*keyFlag)
		if err != nil {
			return fmt.Errorf("parse sealing key: %w", err)
		}
		authority, err := distribution.NewAuthority(key)
		if err != nil {
			return err
		}
		if err := authority.Seal(doc); err != nil {
			return fmt.Errorf("seal distribution: %w", err)
		}
		log.Info("distributor: document sealed", "signer", authority.Address())
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	out = append(out, '\n')

	if *outFlag == "" {
		_, err = os.Stdout.Write(out)
		return err
	}
	if err := os.WriteFile(*outFlag, out, 0o644); err != nil {
		return fmt.Errorf("write distribution: %w", err)
	}
	log.Info("distributor: document written",
		"path", *outFlag,
		"root", doc.MerkleRoot,
		"entries", len(doc.Entries),
	)
	return nil
}

func snapshotFromFile(path string) (string, allocation.Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", allocation.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var sf snapshotFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return "", allocation.Snapshot{}, fmt.Errorf("parse snapshot: %w", err)
	}
	snap, err := toSnapshot(sf)
	if err != nil {
		return "", allocation.Snapshot{}, err
	}
	return sf.OfferingID, snap, nil
}

// snapshotFromStore reads a finalized offering straight out of the
// launchpad database. Participant order in the store fixes the claim
// index assignment.
func snapshotFromStore(ctx context.Context, log *slog.Logger, dbPath, offeringID string) (string, allocation.Snapshot, error) {
	store, err := giveaway.NewSQLStore(log, dbPath)
	if err != nil {
		return "", allocation.Snapshot{}, fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	o, err := store.GetOffering(ctx, offeringID)
	if err != nil {
		return "", allocation.Snapshot{}, fmt.Errorf("load offering: %w", err)
	}
	if !o.Finalized {
		return "", allocation.Snapshot{}, fmt.Errorf("offering %s: %w", offeringID, giveaway.ErrNotFinalized)
	}
	parts, err := store.ListParticipants(ctx, offeringID)
	if err != nil {
		return "", allocation.Snapshot{}, fmt.Errorf("load participants: %w", err)
	}

	deposits := make([]allocation.Deposit, 0, len(parts))
	for _, p := range parts {
		deposits = append(deposits, allocation.Deposit{
			Participant: p.Address,
			Amount:      p.Amount,
		})
	}
	return offeringID, allocation.Snapshot{
		MaxAllocation:         o.MaxAllocation,
		TotalDeposited:        o.TotalDeposited,
		TokensForParticipants: o.TokensForParticipants(),
		Deposits:              deposits,
	}, nil
}

func toSnapshot(sf snapshotFile) (allocation.Snapshot, error) {
	maxAlloc, err := distribution.ParseAmount(sf.MaxAllocation)
	if err != nil {
		return allocation.Snapshot{}, fmt.Errorf("maxAllocation: %w", err)
	}
	total, err := distribution.ParseAmount(sf.TotalDeposited)
	if err != nil {
		return allocation.Snapshot{}, fmt.Errorf("totalDeposited: %w", err)
	}
	tokens, err := distribution.ParseAmount(sf.TokensForParticipants)
	if err != nil {
		return allocation.Snapshot{}, fmt.Errorf("tokensForParticipants: %w", err)
	}

	deposits := make([]allocation.Deposit, 0, len(sf.Deposits))
	for i, d := range sf.Deposits {
		if !common.IsHexAddress(d.Participant) {
			return allocation.Snapshot{}, fmt.Errorf("deposit %d: invalid participant address %q", i, d.Participant)
		}
		amount, err := distribution.ParseAmount(d.Amount)
		if err != nil {
			return allocation.Snapshot{}, fmt.Errorf("deposit %d: %w", i, err)
		}
		deposits = append(deposits, allocation.Deposit{
			Participant: common.HexToAddress(d.Participant),
			Amount:      amount,
		})
	}

	return allocation.Snapshot{
		MaxAllocation:         maxAlloc,
		TotalDeposited:        total,
		TokensForParticipants: tokens,
		Deposits:              deposits,
	}, nil
}
