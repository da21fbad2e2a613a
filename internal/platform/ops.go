package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/aretw0/tagmesh/pkg/core"
	"github.com/aretw0/tagmesh/pkg/replication"
)

// DeriveStorageID returns the store name of subjectID under the configured
// identity.
func DeriveStorageID(subjectID string, opts ...Option) string {
	return applyOptions(opts).identity.StorageID(subjectID)
}

// SyncReport sums up a one-shot sync of both stores of a subject.
type SyncReport struct {
	Pulled int
	Pushed int
}

// Sync performs one pull and one push for the schema store and the subject
// store of subjectID, without loading a repository. It needs a server URL.
func Sync(ctx context.Context, subjectID string, opts ...Option) (SyncReport, error) {
	o := applyOptions(opts)
	if o.serverURL == "" {
		return SyncReport{}, errors.New("sync: no server url configured")
	}

	opener := o.buildOpener()
	metrics := replication.NewMetrics(o.registerer)

	var report SyncReport
	for _, name := range []string{o.identity.SchemaStoreName(), o.identity.StorageID(subjectID)} {
		pulled, pushed, err := syncStore(ctx, opener, o, metrics, name)
		report.Pulled += pulled
		report.Pushed += pushed
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func syncStore(ctx context.Context, opener core.Opener, o *options, metrics *replication.Metrics, name string) (int, int, error) {
	local, err := opener.OpenLocal(ctx, name)
	if err != nil {
		return 0, 0, fmt.Errorf("open local %s: %w", name, err)
	}
	defer func() { _ = local.Close() }()

	remote, err := opener.OpenRemote(ctx, o.serverURL, name, o.credentials())
	if err != nil {
		return 0, 0, fmt.Errorf("open remote %s: %w", name, err)
	}
	defer func() { _ = remote.Close() }()

	ropts := replication.Options{Logger: o.log(), Metrics: metrics, Direction: replication.Pull}
	pull, err := replication.Replicate(ctx, remote, local, ropts)
	if err != nil {
		return 0, 0, fmt.Errorf("pull %s: %w", name, err)
	}
	ropts.Direction = replication.Push
	push, err := replication.Replicate(ctx, local, remote, ropts)
	if err != nil {
		return pull.DocsWritten, 0, fmt.Errorf("push %s: %w", name, err)
	}
	o.log().Info("synced", "store", name, "pulled", pull.DocsWritten, "pushed", push.DocsWritten)
	return pull.DocsWritten, push.DocsWritten, nil
}
