package compress

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	data := bytes.Repeat([]byte("skt@d-5 precipitation fire_density "), 200)

	enc, err := Encode(data)
	require.NoError(t, err)
	assert.Less(t, len(enc), len(data))

	dec, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, data, dec)
}

func TestDecode_Corrupt(t *testing.T) {
	_, err := Decode([]byte("definitely not zstd"))
	assert.Error(t, err)
}

func TestEncode_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data := bytes.Repeat([]byte{byte(i)}, 4096)
			enc, err := Encode(data)
			assert.NoError(t, err)
			dec, err := Decode(enc)
			assert.NoError(t, err)
			assert.Equal(t, data, dec)
		}(i)
	}
	wg.Wait()
}
