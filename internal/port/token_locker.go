package port

import "context"

type TokenLocker interface {
	// Lock claims token across processes, returns false if another holder has it
	Lock(ctx context.Context, token string) (release func(context.Context) error, ok bool, err error)
}
