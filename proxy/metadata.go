package proxy

import "context"

// DatabaseMetaData 是元数据句柄的代理，连接关闭后不可再用
type DatabaseMetaData struct {
	child[*Connection]
	raw MetaData
}

var _ MetaData = (*DatabaseMetaData)(nil)

func (m *DatabaseMetaData) Connection() (Conn, error) {
	conn, err := m.parentAccess()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (m *DatabaseMetaData) ProductName() (string, error) {
	return invoke(&m.dispatcher, CallProductName, m.raw.ProductName)
}

func (m *DatabaseMetaData) ProductVersion() (string, error) {
	return invoke(&m.dispatcher, CallProductVersion, m.raw.ProductVersion)
}

func (m *DatabaseMetaData) DriverName() (string, error) {
	return invoke(&m.dispatcher, CallDriverName, m.raw.DriverName)
}

func (m *DatabaseMetaData) URL() (string, error) {
	return invoke(&m.dispatcher, CallURL, m.raw.URL)
}

func (m *DatabaseMetaData) UserName() (string, error) {
	return invoke(&m.dispatcher, CallUserName, m.raw.UserName)
}

func (m *DatabaseMetaData) Tables(ctx context.Context, pattern string) ([]string, error) {
	return invoke(&m.dispatcher, CallTables, func() ([]string, error) {
		return m.raw.Tables(ctx, pattern)
	})
}
