package moqquic

// DefaultTransport is the Transport used by the package-level functions.
var DefaultTransport = &Transport{}

// Init starts DefaultTransport.
func Init() {
	DefaultTransport.Init()
}

func Connect(host string, port uint16, opts ...ConnectOption) (uint64, error) {
	return DefaultTransport.Connect(host, port, opts...)
}

func ConnectWebTransport(host string, port uint16, path string, opts ...ConnectOption) (uint64, error) {
	return DefaultTransport.ConnectWebTransport(host, port, path, opts...)
}

func Send(id uint64, data []byte) (int, error) {
	return DefaultTransport.Send(id, data)
}

func Recv(id uint64, capacity int) ([]byte, error) {
	return DefaultTransport.Recv(id, capacity)
}

func RecvInto(id uint64, p []byte) (int, error) {
	return DefaultTransport.RecvInto(id, p)
}

func IsConnected(id uint64) (bool, error) {
	return DefaultTransport.IsConnected(id)
}

func Close(id uint64) error {
	return DefaultTransport.Close(id)
}

func OpenUniStream(id uint64) (uint64, error) {
	return DefaultTransport.OpenUniStream(id)
}

func StreamWrite(id, stream uint64, data []byte) (int, error) {
	return DefaultTransport.StreamWrite(id, stream, data)
}

func StreamFinish(id, stream uint64) error {
	return DefaultTransport.StreamFinish(id, stream)
}

func SendDatagram(id uint64, b []byte) error {
	return DefaultTransport.SendDatagram(id, b)
}

func RecvDatagram(id uint64) ([]byte, error) {
	return DefaultTransport.RecvDatagram(id)
}

func LastError(id uint64) error {
	return DefaultTransport.LastError(id)
}

func Stats(id uint64) (ConnectionStats, error) {
	return DefaultTransport.Stats(id)
}

// Cleanup closes every connection of DefaultTransport and stops its engine.
func Cleanup() {
	DefaultTransport.Cleanup()
}
