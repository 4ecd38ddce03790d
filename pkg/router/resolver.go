package router

import (
	"context"
	"fmt"

	"github.com/jacktea/blobrouter/pkg/blob"
	"github.com/jacktea/blobrouter/pkg/future"
	"github.com/jacktea/blobrouter/pkg/xerrors"
)

// Get reads the projection of id selected by opts. The returned handle is
// already resolved.
func (r *Router) Get(ctx context.Context, id string, opts blob.GetOptions, cb future.Callback[*blob.GetResult]) *future.Future[*blob.GetResult] {
	if err := r.precheck(opGet); err != nil {
		return resolved[*blob.GetResult](r, opGet, nil, err, cb)
	}
	res, err := r.get(id, opts)
	return resolved(r, opGet, res, xerrors.Normalize(opGet, id, err), cb)
}

func (r *Router) get(id string, opts blob.GetOptions) (res *blob.GetResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, xerrors.Wrap(xerrors.UnexpectedInternalError, opGet, id, fmt.Errorf("panic: %v", p))
		}
	}()

	record, ok := r.registry.Lookup(id)
	if !ok {
		return nil, xerrors.E(xerrors.BlobDoesNotExist, opGet, id)
	}
	if r.registry.IsDeleted(id) && !opts.Option.AllowsDeleted() {
		return nil, xerrors.E(xerrors.BlobDeleted, opGet, id)
	}

	res = &blob.GetResult{}
	switch opts.Operation {
	case blob.OperationData, blob.OperationAll:
		data, err := record.Slice(opts.Range)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.RangeNotSatisfiable, opGet, id, err)
		}
		res.Data = blob.NewDataReader(data)
		res.DataSize = int64(len(data))
		if opts.Operation == blob.OperationAll {
			res.Info = record.Info()
		}
	case blob.OperationInfo:
		res.Info = record.Info()
	default:
		return nil, xerrors.Wrap(xerrors.UnexpectedInternalError, opGet, id,
			fmt.Errorf("unknown operation %d", opts.Operation))
	}
	return res, nil
}

// Delete soft-deletes id on behalf of serviceID. Deleting an already deleted
// blob succeeds without notifying again. The returned handle is already
// resolved.
func (r *Router) Delete(ctx context.Context, id, serviceID string, cb future.Callback[struct{}]) *future.Future[struct{}] {
	err := r.precheck(opDelete)
	if err == nil {
		err = xerrors.Normalize(opDelete, id, r.delete(id, serviceID))
	}
	return resolved(r, opDelete, struct{}{}, err, cb)
}

func (r *Router) delete(id, serviceID string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = xerrors.Wrap(xerrors.UnexpectedInternalError, opDelete, id, fmt.Errorf("panic: %v", p))
		}
	}()

	if r.registry.IsDeleted(id) {
		return nil
	}
	if !r.registry.Contains(id) {
		return xerrors.E(xerrors.BlobDoesNotExist, opDelete, id)
	}
	if r.registry.MarkDeleted(id) {
		r.metrics.deleted.Set(float64(r.registry.DeletedLen()))
		if r.notifier != nil {
			r.notifier.OnBlobDeleted(id, serviceID)
		}
	}
	return nil
}
