// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

package export

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"inventum/platform/metering/ledger"
	"inventum/platform/shared/logger"
)

type fakePutter struct {
	objects map[string][]byte
	err     error
}

func (f *fakePutter) PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[*input.Key] = body
	return &s3.PutObjectOutput{}, nil
}

type fakeSource struct {
	snapshots map[string]*ledger.UsageSnapshot
}

func (f *fakeSource) Snapshot(ctx context.Context, accountID string) (*ledger.UsageSnapshot, error) {
	s, ok := f.snapshots[accountID]
	if !ok {
		return nil, ledger.ErrNoActivePeriod
	}
	return s, nil
}

func testSnapshot(accountID string) *ledger.UsageSnapshot {
	return &ledger.UsageSnapshot{
		AccountID:   accountID,
		TokensUsed:  140000,
		TokensLimit: 180000,
	}
}

func TestArchiveAccountUploadsJSON(t *testing.T) {
	putter := &fakePutter{}
	source := &fakeSource{snapshots: map[string]*ledger.UsageSnapshot{
		"acct_1": testSnapshot("acct_1"),
	}}
	a := NewArchiverWithClient(putter, "billing-audit", source, logger.New("export-test"))

	if err := a.ArchiveAccount(context.Background(), "acct_1"); err != nil {
		t.Fatalf("ArchiveAccount: %v", err)
	}

	key := ObjectKey("acct_1", time.Now())
	body, ok := putter.objects[key]
	if !ok {
		t.Fatalf("object %s not uploaded; have %v", key, putter.objects)
	}

	var snap ledger.UsageSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("uploaded body is not valid JSON: %v", err)
	}
	if snap.AccountID != "acct_1" || snap.TokensUsed != 140000 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestObjectKeyLayout(t *testing.T) {
	date := time.Date(2025, 6, 15, 23, 30, 0, 0, time.UTC)
	key := ObjectKey("acct_1", date)
	if key != "usage-snapshots/2025-06-15/acct_1.json" {
		t.Errorf("ObjectKey = %q", key)
	}
	if !strings.HasPrefix(key, "usage-snapshots/") {
		t.Error("keys must stay under the snapshot prefix")
	}
}

func TestArchiveAllContinuesPastFailures(t *testing.T) {
	putter := &fakePutter{}
	source := &fakeSource{snapshots: map[string]*ledger.UsageSnapshot{
		"acct_2": testSnapshot("acct_2"),
	}}
	a := NewArchiverWithClient(putter, "billing-audit", source, logger.New("export-test"))

	// acct_1 has no snapshot and fails; acct_2 must still upload
	a.ArchiveAll(context.Background(), []string{"acct_1", "acct_2"})

	if len(putter.objects) != 1 {
		t.Errorf("expected 1 uploaded object, got %d", len(putter.objects))
	}
}

func TestArchiveAccountUploadFailure(t *testing.T) {
	putter := &fakePutter{err: errors.New("access denied")}
	source := &fakeSource{snapshots: map[string]*ledger.UsageSnapshot{
		"acct_1": testSnapshot("acct_1"),
	}}
	a := NewArchiverWithClient(putter, "billing-audit", source, logger.New("export-test"))

	if err := a.ArchiveAccount(context.Background(), "acct_1"); err == nil {
		t.Fatal("expected upload error")
	}
}
