package krb5

import (
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/jcmturner/gokrb5/v8/test/testdata"
	"github.com/jcmturner/gokrb5/v8/types"
)

// Sample data from MIT Kerberos v1.19.1, src/tests/asn.1/ktest.h

const (
	sampleUsec      = 123456
	sampleSeqNumber = 17
)

func ktestSampleAPRepEncPart() encAPRepPart {
	tm, _ := time.Parse(testdata.TEST_TIME_FORMAT, testdata.TEST_TIME)
	return encAPRepPart{
		CTime:          tm,
		Cusec:          sampleUsec,
		Subkey:         ktestSampleKeyblock(),
		SequenceNumber: sampleSeqNumber,
	}
}

func ktestSampleKeyblock() types.EncryptionKey {
	return types.EncryptionKey{
		KeyType:  1,
		KeyValue: []byte("12345678"),
	}
}

func ktestSampleEncData() types.EncryptedData {
	return types.EncryptedData{
		EType:  0,
		KVNO:   5,
		Cipher: []byte(testdata.TEST_CIPHERTEXT),
	}
}

func ktestSampleAPRep() aPRep {
	return aPRep{
		PVNO:    5,
		MsgType: msgtype.KRB_AP_REP,
		EncPart: ktestSampleEncData(),
	}
}
