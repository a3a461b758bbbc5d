/*
Package sstable contains an immutable sorted-table implementation for
arbitrary byte-string keys with shared-prefix key compression.

Data Structure Documentation

Store

A store contains a series of data blocks followed by an index and
a store footer.

    Store layout:
    +---------+---------+---------+-------------+--------------+
    | block 1 |   ...   | block n | block index | store footer |
    +---------+---------+---------+-------------+--------------+

    Block index:
    +--------------------------+--------------------+--------------------------+-------+
    | max key len 1 (varint)   | max key 1 (varlen) | offset 1 (varint,delta)  |  ...  |
    +--------------------------+--------------------+--------------------------+-------+

    Store footer:
    +------------------------+------------------+
    | index offset (8 bytes) |  magic (8 bytes) |
    +------------------------+------------------+

Block

A block comprises a series of entries followed by a restart point
index. Each stored block carries a single-byte compression type
indicator and an 8-byte checksum of the stored bytes.

    Stored block layout:
    +---------+-------+---------+---------------+--------------------+--------------------+
    | entry 1 |  ...  | entry n | restart index | compression (1B)   | checksum (8 bytes) |
    +---------+-------+---------+---------------+--------------------+--------------------+

    Restart index:
    +----------------------------+-------+----------------------------+-------------------------------------+
    | restart offset 1 (4 bytes) |  ...  | restart offset n (4 bytes) |  number of restart points (4 bytes) |
    +----------------------------+-------+----------------------------+-------------------------------------+

Entry

Keys are delta-encoded against their immediate predecessor: every
entry stores the number of leading bytes it shares with the previous
key, followed by the remaining suffix. Every BlockRestartInterval-th
entry is a restart point which stores its key in full (shared length
0), so decoding can start there without replaying the block from the
beginning; the restart index enables binary search across these
points.

    +-----------------+---------------------+--------------------+------------------------+------------------+
    | shared (varint) | non-shared (varint) | value len (varint) | key suffix (non-shared)| value (varlen)   |
    +-----------------+---------------------+--------------------+------------------------+------------------+
*/
package sstable
