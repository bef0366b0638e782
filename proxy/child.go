package proxy

// child 在 dispatcher 基础上拦截父对象访问，返回父代理而不是原始对象
type child[P any] struct {
	dispatcher
	parentProxy P
}

func newChild[P any](kind string, parentProxy P, parent *dispatcher) child[P] {
	return child[P]{
		dispatcher:  newDispatcher(kind, parent.errs, parent, parent.cfg),
		parentProxy: parentProxy,
	}
}

func (c *child[P]) parentAccess() (P, error) {
	return invoke(&c.dispatcher, CallParent, func() (P, error) {
		return c.parentProxy, nil
	})
}
